package realtime

import (
	"time"

	"huddle/cmd/internal/ids"
)

func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID never fails, so a push is never lost to id minting.
func NewEnvelopeID(now time.Time) string {
	return ids.NewULIDOrUUID(now)
}
