package chat

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const defaultPGSchema = "huddle"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Writes to one conversation are serialized with a transactional advisory lock,
// so two servers sharing a database still agree on history order.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "huddle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultPGSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and its tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	ddl := "CREATE SCHEMA IF NOT EXISTS " + schema + ";\n" +
		strings.ReplaceAll(schemaSQL, "{{schema}}", schema)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("chat: migrate schema %s: %w", s.schema, err)
	}
	return nil
}

// UpsertUser inserts u or refreshes its display name.
func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrInvalidInput
	}
	name := u.Name
	if name == "" {
		name = u.ID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE
		   SET name = CASE WHEN $3 THEN EXCLUDED.name ELSE `+s.table("users")+`.name END`,
		u.ID, name, u.Name != "",
	)
	return err
}

// FindUsersWithActiveDirectHistory returns counterparts of userID's direct conversations.
func (s *PostgresStore) FindUsersWithActiveDirectHistory(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, COALESCE(u.name, c.id), COALESCE(u.created_at, now())
		   FROM (
		     SELECT DISTINCT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS id
		       FROM `+s.table("messages")+`
		      WHERE kind = 'direct' AND (sender_id = $1 OR receiver_id = $1)
		   ) c
		   LEFT JOIN `+s.table("users")+` u ON u.id = c.id
		  ORDER BY c.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		err := row.Scan(&u.ID, &u.Name, &u.CreatedAt)
		return u, err
	})
}

// CreateMessage inserts m under a per-conversation advisory lock.
func (s *PostgresStore) CreateMessage(ctx context.Context, m v1.Message) (v1.Message, error) {
	if err := validateMessage(m); err != nil {
		return v1.Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return v1.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.ConversationID); err != nil {
		return v1.Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	if m.Kind == v1.KindGroup {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.table("groups")+` WHERE id = $1)`, m.GroupID,
		).Scan(&exists); err != nil {
			return v1.Message{}, err
		}
		if !exists {
			return v1.Message{}, ErrNotFound
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, kind, conversation_id, sender_id, receiver_id, group_id, text, image_url, created_at
		   ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)`,
		m.ID, m.Kind, m.ConversationID, m.SenderID, m.ReceiverID, m.GroupID, m.Text, m.ImageURL, m.CreatedAt,
	); err != nil {
		return v1.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return v1.Message{}, err
	}
	return m, nil
}

// DirectHistory returns the direct conversation between a and b.
func (s *PostgresStore) DirectHistory(ctx context.Context, a, b string) ([]v1.Message, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidInput
	}
	return s.history(ctx, v1.DirectConversationID(a, b))
}

// GroupHistory returns the messages of groupID.
func (s *PostgresStore) GroupHistory(ctx context.Context, groupID string) ([]v1.Message, error) {
	if groupID == "" {
		return nil, ErrInvalidInput
	}
	return s.history(ctx, groupID)
}

func (s *PostgresStore) history(ctx context.Context, conversationID string) ([]v1.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, conversation_id, sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''),
		        text, image_url, created_at
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (v1.Message, error) {
		var m v1.Message
		err := row.Scan(&m.ID, &m.Kind, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.GroupID,
			&m.Text, &m.ImageURL, &m.CreatedAt)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
}

// CreateGroup inserts g and its members in one transaction.
func (s *PostgresStore) CreateGroup(ctx context.Context, g Group) (Group, error) {
	if g.ID == "" || g.Name == "" {
		return Group{}, ErrInvalidInput
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Group{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("groups")+` (id, name, created_at) VALUES ($1, $2, $3)`,
		g.ID, g.Name, g.CreatedAt,
	); err != nil {
		return Group{}, fmt.Errorf("insert group: %w", err)
	}
	if err := s.insertMembers(ctx, tx, g.ID, g.Members); err != nil {
		return Group{}, err
	}

	out, err := s.readGroup(ctx, tx, g.ID)
	if err != nil {
		return Group{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Group{}, err
	}
	return out, nil
}

// FindGroupByID returns the group or ErrNotFound.
func (s *PostgresStore) FindGroupByID(ctx context.Context, groupID string) (Group, error) {
	return s.readGroup(ctx, s.pool, groupID)
}

// GroupsForMember returns the groups containing userID, oldest first.
func (s *PostgresStore) GroupsForMember(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.pool.Query(ctx,
		s.groupSelect()+`
		  WHERE g.id IN (SELECT group_id FROM `+s.table("group_members")+` WHERE user_id = $1)
		  GROUP BY g.id
		  ORDER BY g.created_at ASC, g.id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Group, error) { return scanGroup(row) })
}

// AddMembers appends the ids not yet present.
func (s *PostgresStore) AddMembers(ctx context.Context, groupID string, userIDs []string) (Group, error) {
	return s.mutateGroup(ctx, groupID, func(tx pgx.Tx) error {
		return s.insertMembers(ctx, tx, groupID, userIDs)
	})
}

// RemoveMember removes userID from the group. Removing a non-member is a no-op.
func (s *PostgresStore) RemoveMember(ctx context.Context, groupID, userID string) (Group, error) {
	return s.mutateGroup(ctx, groupID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM `+s.table("group_members")+` WHERE group_id = $1 AND user_id = $2`,
			groupID, userID,
		)
		return err
	})
}

// DeleteGroup removes the group; members and messages cascade.
func (s *PostgresStore) DeleteGroup(ctx context.Context, groupID string) (Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Group{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	g, err := s.readGroup(ctx, tx, groupID)
	if err != nil {
		return Group{}, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+s.table("groups")+` WHERE id = $1`, groupID); err != nil {
		return Group{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *PostgresStore) mutateGroup(ctx context.Context, groupID string, fn func(pgx.Tx) error) (Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Group{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the group row so concurrent membership edits keep positions dense.
	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM `+s.table("groups")+` WHERE id = $1 FOR UPDATE`, groupID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}

	if err := fn(tx); err != nil {
		return Group{}, err
	}

	g, err := s.readGroup(ctx, tx, groupID)
	if err != nil {
		return Group{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *PostgresStore) insertMembers(ctx context.Context, tx pgx.Tx, groupID string, userIDs []string) error {
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("group_members")+` (group_id, user_id, position)
			 SELECT $1, $2, COALESCE(MAX(position), 0) + 1
			   FROM `+s.table("group_members")+`
			  WHERE group_id = $1
			 ON CONFLICT (group_id, user_id) DO NOTHING`,
			groupID, uid,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) readGroup(ctx context.Context, q queryRower, groupID string) (Group, error) {
	g, err := scanGroup(q.QueryRow(ctx, s.groupSelect()+` WHERE g.id = $1 GROUP BY g.id`, groupID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	return g, err
}

func (s *PostgresStore) groupSelect() string {
	return `SELECT g.id, g.name, g.created_at,
	               COALESCE(array_agg(m.user_id ORDER BY m.position) FILTER (WHERE m.user_id IS NOT NULL), '{}')
	          FROM ` + s.table("groups") + ` g
	          LEFT JOIN ` + s.table("group_members") + ` m ON m.group_id = g.id`
}

func scanGroup(row pgx.Row) (Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.CreatedAt, &g.Members); err != nil {
		return Group{}, err
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
