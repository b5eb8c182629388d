package persistence

import (
	"context"
	"fmt"
)

// presenceRetentionSeconds keeps dead presence rows around for a week before
// the cleanup loop removes them.
const presenceRetentionSeconds = 7 * 86400

// RetentionResult holds counts of purged rows from one retention run.
type RetentionResult struct {
	PurgedMessages int64 `json:"purged_messages"`
	PurgedPresence int64 `json:"purged_presence"`
}

// RunRetention deletes messages older than messageDays and presence rows not
// seen for a week. Blobs are never deleted. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, now float64, messageDays int) (RetentionResult, error) {
	var result RetentionResult

	if messageDays > 0 {
		cutoff := now - float64(messageDays)*86400
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE last_seen < ?;`, now-presenceRetentionSeconds)
	if err != nil {
		return result, fmt.Errorf("purge presence: %w", err)
	}
	result.PurgedPresence, _ = res.RowsAffected()

	return result, nil
}
