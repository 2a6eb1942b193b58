// Package sqlitestore is the durable Store implementation: session state
// serialized to a single SQLite file so conversations survive restarts.
// TTL and max-entry bounds match the in-memory store; expiry is enforced
// lazily on read and write rather than by a background sweeper.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"hydrochat/internal/session"
	"hydrochat/internal/state"
)

// Store persists session state in SQLite. Safe for concurrent use;
// SQLite serializes writes.
type Store struct {
	db         *sql.DB
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	evictions atomic.Int64
	expired   atomic.Int64
}

var _ session.Store = (*Store)(nil)

// New opens (or creates) the database at path and ensures the schema.
func New(path string, ttl time.Duration, maxEntries int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = 100
	}
	s := &Store{db: db, ttl: ttl, maxEntries: maxEntries, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		conversation_id TEXT PRIMARY KEY,
		state           BLOB NOT NULL,
		last_touched_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_touched ON sessions (last_touched_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get loads the state for id. Rows older than the TTL are deleted and
// surface as misses.
func (s *Store) Get(ctx context.Context, id string) (*state.SessionState, bool, error) {
	if s.ttl == 0 {
		return nil, false, nil
	}
	var blob []byte
	var touchedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, last_touched_ms FROM sessions WHERE conversation_id = ?`, id,
	).Scan(&blob, &touchedMs)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", id, err)
	}

	if s.now().Sub(time.UnixMilli(touchedMs)) > s.ttl {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, id); err != nil {
			return nil, false, fmt.Errorf("expire session %s: %w", id, err)
		}
		s.expired.Add(1)
		return nil, false, nil
	}

	st, err := state.Deserialize(blob)
	if err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return st, true, nil
}

// Put upserts the state under its conversation id and trims the table
// back to the entry cap, oldest touch first.
func (s *Store) Put(ctx context.Context, st *state.SessionState) error {
	if s.ttl == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE conversation_id = ?`, st.ConversationID)
		if err == nil {
			s.expired.Add(1)
		}
		return err
	}

	blob, err := st.Serialize()
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.ConversationID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (conversation_id, state, last_touched_ms)
		 VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET state = excluded.state, last_touched_ms = excluded.last_touched_ms`,
		st.ConversationID, blob, st.LastTouchedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.ConversationID, err)
	}
	return s.trim(ctx)
}

// Delete removes the state for id if present.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Stats reports occupancy.
func (s *Store) Stats() session.Stats {
	var entries int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&entries)
	return session.Stats{
		Entries:   entries,
		Evictions: s.evictions.Load(),
		Expired:   s.expired.Load(),
	}
}

func (s *Store) trim(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE conversation_id IN (
			SELECT conversation_id FROM sessions
			ORDER BY last_touched_ms DESC
			LIMIT -1 OFFSET ?
		)`, s.maxEntries,
	)
	if err != nil {
		return fmt.Errorf("trim sessions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.evictions.Add(n)
	}
	return nil
}
