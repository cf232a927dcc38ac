package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Inbound is a recorded user message and the stream created for it.
type Inbound struct {
	AccountID  string
	MsgID      string
	StreamID   string
	MsgType    string
	ChatType   string
	ChatID     string
	SenderID   string
	Content    string
	ReceivedAt time.Time
}

// Reply is the final text of a stream.
type Reply struct {
	StreamID   string
	AccountID  string
	MsgID      string
	Content    string
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

// Exchange pairs an inbound message with its reply, if one finished.
type Exchange struct {
	Inbound
	Reply *Reply
}

// Stats summarizes the transcript database.
type Stats struct {
	Inbound int
	Replies int
	Failed  int
}

// SQLiteStore keeps a transcript of inbound messages and final replies. It is
// an audit trail only: live stream state never touches the database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// RecordInbound stores msg. A second record for the same stream is ignored.
func (s *SQLiteStore) RecordInbound(ctx context.Context, msg Inbound) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_messages
		 (account_id, msg_id, stream_id, msg_type, chat_type, chat_id, sender_id, content, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.AccountID, msg.MsgID, msg.StreamID, msg.MsgType, msg.ChatType, msg.ChatID, msg.SenderID, msg.Content, msg.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record inbound %s: %w", msg.MsgID, err)
	}
	return nil
}

// RecordReply stores or replaces the final reply of a stream.
func (s *SQLiteStore) RecordReply(ctx context.Context, r Reply) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO replies (stream_id, account_id, msg_id, content, error, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.StreamID, r.AccountID, r.MsgID, r.Content, r.Error, r.Duration.Milliseconds(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record reply %s: %w", r.StreamID, err)
	}
	return nil
}

// ListRecent returns the newest exchanges, newest first. An empty accountID
// lists every account.
func (s *SQLiteStore) ListRecent(ctx context.Context, accountID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.account_id, i.msg_id, i.stream_id, i.msg_type, i.chat_type, i.chat_id, i.sender_id, i.content, i.received_at,
		        r.content, r.error, r.duration_ms, r.finished_at
		 FROM inbound_messages i
		 LEFT JOIN replies r ON r.stream_id = i.stream_id
		 WHERE (? = '' OR i.account_id = ?)
		 ORDER BY i.received_at DESC, i.id DESC LIMIT ?`,
		accountID, accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			ex         Exchange
			content    sql.NullString
			replyErr   sql.NullString
			durationMs sql.NullInt64
			finishedAt sql.NullTime
			inContent  sql.NullString
		)
		if err := rows.Scan(&ex.AccountID, &ex.MsgID, &ex.StreamID, &ex.MsgType, &ex.ChatType, &ex.ChatID,
			&ex.SenderID, &inContent, &ex.ReceivedAt,
			&content, &replyErr, &durationMs, &finishedAt); err != nil {
			return nil, err
		}
		ex.Content = inContent.String
		if finishedAt.Valid {
			ex.Reply = &Reply{
				StreamID:   ex.StreamID,
				AccountID:  ex.AccountID,
				MsgID:      ex.MsgID,
				Content:    content.String,
				Error:      replyErr.String,
				Duration:   time.Duration(durationMs.Int64) * time.Millisecond,
				FinishedAt: finishedAt.Time,
			}
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Stats counts recorded messages and replies.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM inbound_messages),
		        (SELECT COUNT(*) FROM replies),
		        (SELECT COUNT(*) FROM replies WHERE error != '')`,
	).Scan(&st.Inbound, &st.Replies, &st.Failed)
	return st, err
}

// PurgeBefore deletes exchanges received before cutoff and returns how many
// inbound rows were removed.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM replies WHERE stream_id IN (SELECT stream_id FROM inbound_messages WHERE received_at < ?)`,
		cutoff.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM inbound_messages WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist. Pending WAL frames are folded into the copy.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for services that share the database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
