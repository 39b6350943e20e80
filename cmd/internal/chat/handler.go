package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"huddle/cmd/internal/auth"

	"github.com/go-playground/validator/v10"
)

const (
	maxControlBody = 64 << 10
	// A base64 data URL is 4/3 of the image plus its header.
	maxSendBody = DefaultMaxBlobBytes*4/3 + 64<<10

	maxSummaryLines = 500
)

// Handler exposes the chat HTTP API. Every route requires an authenticated caller.
type Handler struct {
	log        *slog.Logger
	svc        *Service
	summarizer Summarizer
	metrics    *Metrics
	validate   *validator.Validate
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithSummarizer enables GET /api/groups/generate.
func WithSummarizer(s Summarizer) HandlerOption {
	return func(h *Handler) { h.summarizer = s }
}

// WithHandlerMetrics attaches metrics collectors.
func WithHandlerMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler constructs a Handler over svc.
func NewHandler(log *slog.Logger, svc *Service, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register wires the API routes onto mux. protect must authenticate the caller
// and store its id with auth.WithUserID.
func (h *Handler) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, protect(fn))
	}

	route("GET /api/messages/users", h.handleContacts)
	route("GET /api/messages/{userId}", h.handleDirectHistory)
	route("POST /api/messages/send/{userId}", h.handleSendDirect)

	route("GET /api/groups", h.handleListGroups)
	route("POST /api/groups", h.handleCreateGroup)
	route("GET /api/groups/generate", h.handleSummary)
	route("GET /api/groups/{groupId}", h.handleGetGroup)
	route("DELETE /api/groups/{groupId}", h.handleDeleteGroup)
	route("POST /api/groups/{groupId}/members", h.handleAddMember)
	route("POST /api/groups/{groupId}/addMembers", h.handleAddMembers)
	route("DELETE /api/groups/{groupId}/members/{userId}", h.handleRemoveMember)
	route("POST /api/groups/{groupId}/messages", h.handleSendGroup)
}

type createGroupRequest struct {
	Name    string   `json:"name" validate:"required,max=100"`
	Members []string `json:"members" validate:"max=500,dive,required,max=128"`
}

type addMemberRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type addMembersRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=500,dive,required,max=128"`
}

func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	// Listing contacts is the first call a client makes; it registers the caller.
	if err := h.svc.Touch(r.Context(), caller); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	users, err := h.svc.Contacts(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

func (h *Handler) handleDirectHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.DirectHistory(r.Context(), callerID(r), r.PathValue("userId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	var in SendInput
	if !h.decode(w, r, maxSendBody, &in) {
		return
	}
	msg, err := h.svc.SendDirect(r.Context(), callerID(r), r.PathValue("userId"), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.Groups(r.Context(), callerID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in createGroupRequest
	if !h.decode(w, r, maxControlBody, &in) {
		return
	}
	g, err := h.svc.CreateGroup(r.Context(), callerID(r), in.Name, in.Members)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Group(r.Context(), r.PathValue("groupId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.DeleteGroup(r.Context(), r.PathValue("groupId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var in addMemberRequest
	if !h.decode(w, r, maxControlBody, &in) {
		return
	}
	g, err := h.svc.AddMembers(r.Context(), r.PathValue("groupId"), []string{in.UserID})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	var in addMembersRequest
	if !h.decode(w, r, maxControlBody, &in) {
		return
	}
	g, err := h.svc.AddMembers(r.Context(), r.PathValue("groupId"), in.UserIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.RemoveMember(r.Context(), r.PathValue("groupId"), r.PathValue("userId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleSendGroup(w http.ResponseWriter, r *http.Request) {
	var in SendInput
	if !h.decode(w, r, maxSendBody, &in) {
		return
	}
	msg, err := h.svc.SendGroup(r.Context(), callerID(r), r.PathValue("groupId"), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleSummary streams a summary of the excerpt passed in ?messages= as
// server-sent events, one data frame per summarizer chunk.
func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("messages"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "messages parameter is required")
		return
	}

	var lines []SummaryLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid messages format")
		return
	}
	if len(lines) > maxSummaryLines {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("at most %d messages", maxSummaryLines))
		return
	}
	for i := range lines {
		if err := h.validate.Struct(&lines[i]); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}

	if h.summarizer == nil {
		h.metrics.summary("unavailable")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "summarizer not configured")
		return
	}

	rc := http.NewResponseController(w)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	err := h.summarizer.Summarize(r.Context(), lines, func(chunk string) error {
		start()
		if err := writeSSE(w, chunk); err != nil {
			return err
		}
		return rc.Flush()
	})

	switch {
	case err == nil:
		start()
		h.metrics.summary("ok")
	case !started && errors.Is(err, ErrSummarizerUnavailable):
		h.metrics.summary("unavailable")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "summarizer not configured")
	case !started:
		h.metrics.summary("error")
		h.log.Error("chat.summary.fail", "err", err)
		writeError(w, http.StatusBadGateway, "summary_failed", "failed to generate chat summary")
	default:
		h.metrics.summary("error")
		h.log.Info("chat.summary.abort", "err", err)
		_, _ = fmt.Fprint(w, "event: error\ndata: summary interrupted\n\n")
		_ = rc.Flush()
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	if err := decodeJSON(w, r, maxBytes, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not a member of this group")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		h.log.Error("chat.api.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func callerID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}
