package convo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore is the durable Store implementation. Uniqueness and the
// check-then-insert admission path are enforced inside sqlite transactions,
// so concurrent units of work need no lock of their own.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv ON messages(conversation_id, timestamp_us);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv_type ON messages(conversation_id, type, timestamp_us);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, id string, now time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("sqlite store: conversation id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(id, status, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, ?)
	`, id, string(StatusOpen), now.UnixMilli(), now.UnixMilli())
	if isConstraintErr(err) {
		return errors.Wrapf(ErrConversationExists, "%s", id)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite store: insert conversation")
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, bool, error) {
	if s == nil || s.db == nil {
		return Conversation{}, false, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var c Conversation
	var status string
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, created_at_ms, updated_at_ms FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &status, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, errors.Wrap(err, "sqlite store: get conversation")
	}
	c.Status = Status(status)
	c.CreatedAt = time.UnixMilli(createdMs).UTC()
	c.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return c, true, nil
}

func (s *SQLiteStore) CloseConversation(ctx context.Context, id string, now time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin close")
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrConversationNotFound, "%s", id)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite store: close lookup")
	}
	if Status(status) == StatusClosed {
		return errors.Wrapf(ErrAlreadyClosed, "%s", id)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at_ms = ? WHERE id = ?
	`, string(StatusClosed), now.UnixMilli(), id)
	if err != nil {
		return errors.Wrap(err, "sqlite store: close update")
	}
	return errors.Wrap(tx.Commit(), "sqlite store: close commit")
}

func (s *SQLiteStore) CreateInbound(ctx context.Context, msg Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("sqlite store: message id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin admit")
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrConversationNotFound, "%s", msg.ConversationID)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite store: admit lookup")
	}
	if Status(status) == StatusClosed {
		return errors.Wrapf(ErrConversationClosed, "%s", msg.ConversationID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages(id, conversation_id, type, content, timestamp_us)
		VALUES(?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(MessageInbound), msg.Content, msg.Timestamp.UnixMicro())
	if isConstraintErr(err) {
		return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite store: insert message")
	}
	return errors.Wrap(tx.Commit(), "sqlite store: admit commit")
}

func (s *SQLiteStore) CreateOutboundBatch(ctx context.Context, msgs []Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if len(msgs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin outbound batch")
	}
	defer func() { _ = tx.Rollback() }()

	for _, msg := range msgs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages(id, conversation_id, type, content, timestamp_us)
			VALUES(?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, string(MessageOutbound), msg.Content, msg.Timestamp.UnixMicro())
		if isConstraintErr(err) {
			return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
		}
		if err != nil {
			return errors.Wrap(err, "sqlite store: insert outbound")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite store: outbound commit")
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	clauses := []string{"conversation_id = ?"}
	args := []any{conversationID}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.After.IsZero() {
		clauses = append(clauses, "timestamp_us > ?")
		args = append(args, q.After.UnixMicro())
	}

	query := fmt.Sprintf(`
		SELECT id, conversation_id, type, content, timestamp_us
		FROM messages
		WHERE %s
		ORDER BY timestamp_us ASC
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}
	defer func() { _ = rows.Close() }()

	items := []Message{}
	for rows.Next() {
		var m Message
		var typ string
		var tsUs int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &typ, &m.Content, &tsUs); err != nil {
			return nil, err
		}
		m.Type = MessageType(typ)
		m.Timestamp = time.UnixMicro(tsUs).UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) LatestOutbound(ctx context.Context, conversationID string) (Message, bool, error) {
	if s == nil || s.db == nil {
		return Message{}, false, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var m Message
	var typ string
	var tsUs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, type, content, timestamp_us
		FROM messages
		WHERE conversation_id = ? AND type = ?
		ORDER BY timestamp_us DESC
		LIMIT 1
	`, conversationID, string(MessageOutbound)).Scan(&m.ID, &m.ConversationID, &typ, &m.Content, &tsUs)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, errors.Wrap(err, "sqlite store: latest outbound")
	}
	m.Type = MessageType(typ)
	m.Timestamp = time.UnixMicro(tsUs).UTC()
	return m, true, nil
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrConstraint
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout so concurrent
// units of work back off instead of failing fast.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
