package persistence

import (
	"context"
	"encoding/json"
	"fmt"
)

// PresenceTTLSeconds is the liveness window: an agent is live when its last
// heartbeat is less than this many seconds old.
const PresenceTTLSeconds = 60

// Agent is one presence row.
type Agent struct {
	AgentID  string          `json:"agent_id"`
	LastSeen float64         `json:"last_seen"`
	Channels []string        `json:"channels"`
	Meta     json.RawMessage `json:"meta"`
}

// UpsertPresence records a heartbeat, replacing any previous row for the agent.
func (s *Store) UpsertPresence(ctx context.Context, a Agent) error {
	channels, err := json.Marshal(a.Channels)
	if err != nil {
		return fmt.Errorf("marshal presence channels: %w", err)
	}
	meta := a.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO presence (agent_id, last_seen, channels, meta)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				last_seen = excluded.last_seen,
				channels = excluded.channels,
				meta = excluded.meta;
		`, a.AgentID, a.LastSeen, string(channels), string(meta))
		if err != nil {
			return fmt.Errorf("upsert presence: %w", err)
		}
		return nil
	})
}

// LivePresence lists agents seen within the TTL window, most recent first.
func (s *Store) LivePresence(ctx context.Context, now float64) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, last_seen, channels, meta FROM presence
		WHERE last_seen > ? ORDER BY last_seen DESC;
	`, now-PresenceTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("query live presence: %w", err)
	}
	defer rows.Close()

	out := []Agent{}
	for rows.Next() {
		var (
			a        Agent
			channels string
			meta     string
		)
		if err := rows.Scan(&a.AgentID, &a.LastSeen, &channels, &meta); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		if err := json.Unmarshal([]byte(channels), &a.Channels); err != nil {
			return nil, fmt.Errorf("decode presence channels: %w", err)
		}
		if a.Channels == nil {
			a.Channels = []string{}
		}
		a.Meta = json.RawMessage(meta)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("presence rows: %w", err)
	}
	return out, nil
}
