package store

import (
	"context"
	"fmt"
)

// WriteDeadLetter stores a message the recorder gave up on and returns its
// row id. Created is set by the store.
func (s *Store) WriteDeadLetter(ctx context.Context, dl DeadLetter) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (message_id, reason, error, data, created)
		VALUES (?, ?, ?, ?, ?)
	`, dl.MessageID, dl.Reason, dl.Error, dl.Data, s.timestamp())
	if err != nil {
		return 0, fmt.Errorf("write dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write dead letter: %w", err)
	}
	return id, nil
}

// ListDeadLetters returns up to limit dead letters, oldest first.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, reason, error, data, created
		FROM dead_letters
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	letters := []DeadLetter{}
	for rows.Next() {
		var (
			dl          DeadLetter
			createdText string
		)
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.Reason, &dl.Error, &dl.Data, &createdText); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if dl.Created, err = parseTime(createdText); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}
