package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Envelope is the common shape of every channel message. Body and Files are
// stored as JSON text and surfaced raw so the server never re-orders keys.
type Envelope struct {
	ID      string          `json:"id"`
	TS      float64         `json:"ts"`
	From    string          `json:"from"`
	Ch      string          `json:"ch"`
	Type    string          `json:"type"`
	V       int             `json:"v"`
	Body    json.RawMessage `json:"body"`
	Files   []string        `json:"files"`
	ReplyTo string          `json:"reply_to,omitempty"`
}

// MessageQuery selects messages on one channel. Since filters strictly
// greater ids; TypePrefix filters `type LIKE prefix || '%'`.
type MessageQuery struct {
	Ch         string
	Since      string
	TypePrefix string
	Limit      int
}

const envelopeColumns = `id, ts, from_agent, ch, type, v, body, files, COALESCE(reply_to, '')`

// InsertMessage appends a fully minted envelope to the log.
func (s *Store) InsertMessage(ctx context.Context, env Envelope) error {
	files, err := json.Marshal(env.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	body := env.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	var replyTo any
	if env.ReplyTo != "" {
		replyTo = env.ReplyTo
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, ts, from_agent, ch, type, v, body, files, reply_to)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, env.ID, env.TS, env.From, env.Ch, env.Type, env.V, string(body), string(files), replyTo)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// QueryMessages returns messages on a channel, newest first.
func (s *Store) QueryMessages(ctx context.Context, q MessageQuery) ([]Envelope, error) {
	if q.Limit <= 0 {
		q.Limit = 200
	}
	sqlq := `SELECT ` + envelopeColumns + ` FROM messages WHERE ch = ?`
	args := []any{q.Ch}
	if q.Since != "" {
		sqlq += ` AND id > ?`
		args = append(args, q.Since)
	}
	if q.TypePrefix != "" {
		sqlq += ` AND type LIKE ? || '%'`
		args = append(args, q.TypePrefix)
	}
	sqlq += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanEnvelopes(rows)
}

// AllMessages returns the most recent messages across every channel.
func (s *Store) AllMessages(ctx context.Context, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM messages ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query all messages: %w", err)
	}
	return scanEnvelopes(rows)
}

// MessagesSince returns every message with id > since in ascending id order,
// scoped to one channel, or globally when ch is empty. This backs gap-recovery
// replay, so it is unbounded by design: the resumption window is the client's
// last connected moment, not a page size.
func (s *Store) MessagesSince(ctx context.Context, ch, since string) ([]Envelope, error) {
	sqlq := `SELECT ` + envelopeColumns + ` FROM messages WHERE id > ?`
	args := []any{since}
	if ch != "" {
		sqlq += ` AND ch = ?`
		args = append(args, ch)
	}
	sqlq += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	return scanEnvelopes(rows)
}

// Channels returns the distinct channel names seen in the log.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT ch FROM messages ORDER BY ch;`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channel rows: %w", err)
	}
	return out, nil
}

// MessageCount returns the total number of messages in the log.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return count, nil
}

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	defer rows.Close()

	out := []Envelope{}
	for rows.Next() {
		var (
			env   Envelope
			body  string
			files string
		)
		if err := rows.Scan(&env.ID, &env.TS, &env.From, &env.Ch, &env.Type, &env.V, &body, &files, &env.ReplyTo); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		env.Body = json.RawMessage(body)
		if err := json.Unmarshal([]byte(files), &env.Files); err != nil {
			return nil, fmt.Errorf("decode files for %s: %w", env.ID, err)
		}
		if env.Files == nil {
			env.Files = []string{}
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
