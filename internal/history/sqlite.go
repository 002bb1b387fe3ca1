package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"agentchat/internal/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	sequence INTEGER NOT NULL,
	sender TEXT NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence);
`

const (
	recordTimeout = 5 * time.Second
	// storedTime sorts lexically in time order.
	storedTime = "2006-01-02T15:04:05.000000000Z07:00"
)

// Session summarises one stored run.
type Session struct {
	ID        string
	StartedAt time.Time
	Messages  int
}

// SQLiteStore mirrors the log of one run into a SQLite database. Every run
// gets its own session id; sequences restart only when the XML history
// does.
type SQLiteStore struct {
	db      *sql.DB
	session string
	insert  *sql.Stmt
	logger  *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path. An empty
// session opens the store read-only for browsing.
func OpenSQLite(ctx context.Context, path, session string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Debug("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, session: session, logger: logger.Named("sqlite")}
	if session == "" {
		return s, nil
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`,
		session, time.Now().UTC().Format(storedTime),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("register session: %w", err)
	}
	s.insert, err = db.PrepareContext(ctx,
		`INSERT INTO messages (session_id, sequence, sender, kind, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Session() string { return s.session }

// Record implements chat.Sink.
func (s *SQLiteStore) Record(msg chat.Message) error {
	if s.insert == nil {
		return errors.New("sqlite store opened without a session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := s.insert.ExecContext(ctx, s.session, msg.Sequence, string(msg.Sender), string(msg.Kind), msg.Body,
		created.UTC().Format(storedTime)); err != nil {
		return fmt.Errorf("insert message %d: %w", msg.Sequence, err)
	}
	return nil
}

// Sessions lists stored runs, newest first.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, COUNT(m.sequence)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id, s.started_at
		ORDER BY s.started_at DESC, s.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started string
		)
		if err := rows.Scan(&sess.ID, &started, &sess.Messages); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Load returns the messages of session in sequence order. An empty session
// selects the most recent one.
func (s *SQLiteStore) Load(ctx context.Context, session string) ([]chat.Message, error) {
	if session == "" {
		sessions, err := s.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			return nil, nil
		}
		session = sessions[0].ID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, sender, kind, body, created_at FROM messages WHERE session_id = ? ORDER BY sequence`, session)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			msg          chat.Message
			sender, kind string
			created      string
		)
		if err := rows.Scan(&msg.Sequence, &sender, &kind, &msg.Body, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Sender, msg.Kind = chat.Role(sender), chat.Kind(kind)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	var errs []error
	if s.insert != nil {
		errs = append(errs, s.insert.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
