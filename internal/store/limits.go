package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateLimit creates a concurrency limit for tag. If the tag is taken it
// returns ErrAlreadyExists, unless update is set, in which case the existing
// limit's capacity is changed and its slots are kept. The returned bool
// reports whether a new limit was created.
func (s *Store) CreateLimit(ctx context.Context, tag string, capacity int, update bool) (ConcurrencyLimit, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConcurrencyLimit{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	created := false

	existing, err := readLimit(ctx, tx, tag)
	switch {
	case err == nil:
		if !update {
			return ConcurrencyLimit{}, false, fmt.Errorf("concurrency limit %q: %w", tag, ErrAlreadyExists)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE concurrency_limits SET concurrency_limit = ?, updated = ? WHERE id = ?
		`, capacity, now, existing.ID.String())
		if err != nil {
			return ConcurrencyLimit{}, false, fmt.Errorf("update concurrency limit: %w", err)
		}
	case IsNotFound(err):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO concurrency_limits (id, tag, concurrency_limit, created, updated)
			VALUES (?, ?, ?, ?, ?)
		`, uuid.Must(uuid.NewV7()).String(), tag, capacity, now, now)
		if isUniqueViolation(err) {
			return ConcurrencyLimit{}, false, fmt.Errorf("concurrency limit %q: %w", tag, ErrAlreadyExists)
		}
		if err != nil {
			return ConcurrencyLimit{}, false, fmt.Errorf("insert concurrency limit: %w", err)
		}
		created = true
	default:
		return ConcurrencyLimit{}, false, err
	}

	lim, err := readLimit(ctx, tx, tag)
	if err != nil {
		return ConcurrencyLimit{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ConcurrencyLimit{}, false, fmt.Errorf("commit concurrency limit: %w", err)
	}
	return lim, created, nil
}

// ReadLimitByTag returns the limit for tag with its active slots.
func (s *Store) ReadLimitByTag(ctx context.Context, tag string) (ConcurrencyLimit, error) {
	return readLimit(ctx, s.db, tag)
}

// ListLimits returns limits ordered by created ASC, id ASC.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListLimits(ctx context.Context, limit, offset int) ([]ConcurrencyLimit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag, concurrency_limit, created, updated
		FROM concurrency_limits
		ORDER BY created ASC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query concurrency limits: %w", err)
	}

	limits := []ConcurrencyLimit{}
	for rows.Next() {
		lim, err := scanLimit(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan concurrency limit: %w", err)
		}
		limits = append(limits, lim)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate concurrency limits: %w", err)
	}
	// The single connection must be free before the slot query.
	rows.Close()

	if err := loadSlots(ctx, s.db, limits); err != nil {
		return nil, err
	}
	return limits, nil
}

// ResetLimit clears the active slots of tag, or replaces them with exactly
// the holders in override (deduplicated, in order).
func (s *Store) ResetLimit(ctx context.Context, tag string, override []string) (ConcurrencyLimit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConcurrencyLimit{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	lim, err := readLimit(ctx, tx, tag)
	if err != nil {
		return ConcurrencyLimit{}, err
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `DELETE FROM slot_leases WHERE limit_id = ?`, lim.ID.String()); err != nil {
		return ConcurrencyLimit{}, fmt.Errorf("clear slot leases: %w", err)
	}
	for _, holder := range dedupe(override) {
		if err := insertLease(ctx, tx, lim.ID, holder, now); err != nil {
			return ConcurrencyLimit{}, err
		}
	}
	if err := touchLimit(ctx, tx, lim.ID, now); err != nil {
		return ConcurrencyLimit{}, err
	}

	lim, err = readLimit(ctx, tx, tag)
	if err != nil {
		return ConcurrencyLimit{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConcurrencyLimit{}, fmt.Errorf("commit reset: %w", err)
	}
	return lim, nil
}

// DeleteLimit removes the limit for tag and its leases.
func (s *Store) DeleteLimit(ctx context.Context, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	lim, err := readLimit(ctx, tx, tag)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM slot_leases WHERE limit_id = ?`, lim.ID.String()); err != nil {
		return fmt.Errorf("delete slot leases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM concurrency_limits WHERE id = ?`, lim.ID.String()); err != nil {
		return fmt.Errorf("delete concurrency limit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// IncrementSlots takes one slot for holder in every limit named by tags, or
// none at all. Every tag must exist (*LimitNotFoundError otherwise, nothing
// written). A holder that already occupies a limit keeps its slot and needs
// no room there. If any limit is full the result has Acquired false and the
// full limits in Blocking; that is not an error.
func (s *Store) IncrementSlots(ctx context.Context, tags []string, holder string) (IncrementResult, error) {
	tags = dedupe(tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	limits, err := readLimits(ctx, tx, tags)
	if err != nil {
		return IncrementResult{}, err
	}

	var blocking []string
	for _, lim := range limits {
		if !lim.HasHolder(holder) && len(lim.ActiveSlots) >= lim.ConcurrencyLimit {
			blocking = append(blocking, lim.Tag)
		}
	}
	if len(blocking) > 0 {
		return IncrementResult{Acquired: false, Limits: limits, Blocking: blocking}, nil
	}

	now := s.timestamp()
	for _, lim := range limits {
		if lim.HasHolder(holder) {
			continue
		}
		if err := insertLease(ctx, tx, lim.ID, holder, now); err != nil {
			return IncrementResult{}, err
		}
		if err := touchLimit(ctx, tx, lim.ID, now); err != nil {
			return IncrementResult{}, err
		}
	}

	limits, err = readLimits(ctx, tx, tags)
	if err != nil {
		return IncrementResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return IncrementResult{}, fmt.Errorf("commit increment: %w", err)
	}
	return IncrementResult{Acquired: true, Limits: limits}, nil
}

// DecrementSlots releases holder's slot in every limit named by tags. Every
// tag must exist. A limit the holder does not occupy is left unchanged. For
// each removed lease a release row is written; occupancySeconds is recorded
// as reported and does not affect removal.
func (s *Store) DecrementSlots(ctx context.Context, tags []string, holder string, occupancySeconds float64) ([]ConcurrencyLimit, []SlotRelease, error) {
	tags = dedupe(tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	limits, err := readLimits(ctx, tx, tags)
	if err != nil {
		return nil, nil, err
	}

	nowT := s.now().UTC()
	now := formatTime(nowT)
	releases := []SlotRelease{}
	for _, lim := range limits {
		var acquiredText string
		err := tx.QueryRowContext(ctx, `
			SELECT acquired FROM slot_leases WHERE limit_id = ? AND holder_id = ?
		`, lim.ID.String(), holder).Scan(&acquiredText)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read slot lease: %w", err)
		}
		acquired, err := parseTime(acquiredText)
		if err != nil {
			return nil, nil, err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM slot_leases WHERE limit_id = ? AND holder_id = ?
		`, lim.ID.String(), holder); err != nil {
			return nil, nil, fmt.Errorf("delete slot lease: %w", err)
		}

		rel := SlotRelease{
			LimitID:          lim.ID,
			Tag:              lim.Tag,
			HolderID:         holder,
			OccupancySeconds: occupancySeconds,
			HeldSeconds:      max(nowT.Sub(acquired).Seconds(), 0),
			Released:         nowT,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO slot_releases
			(limit_id, tag, holder_id, occupancy_seconds, held_seconds, released)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rel.LimitID.String(), rel.Tag, rel.HolderID, rel.OccupancySeconds, rel.HeldSeconds, now)
		if err != nil {
			return nil, nil, fmt.Errorf("insert slot release: %w", err)
		}
		if rel.ID, err = res.LastInsertId(); err != nil {
			return nil, nil, fmt.Errorf("insert slot release: %w", err)
		}
		if err := touchLimit(ctx, tx, lim.ID, now); err != nil {
			return nil, nil, err
		}
		releases = append(releases, rel)
	}

	limits, err = readLimits(ctx, tx, tags)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit decrement: %w", err)
	}
	return limits, releases, nil
}

// ListSlotReleases returns the most recent releases recorded for tag,
// newest first.
func (s *Store) ListSlotReleases(ctx context.Context, tag string, limit int) ([]SlotRelease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, limit_id, tag, holder_id, occupancy_seconds, held_seconds, released
		FROM slot_releases
		WHERE tag = ?
		ORDER BY id DESC
		LIMIT ?
	`, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("query slot releases: %w", err)
	}
	defer rows.Close()

	releases := []SlotRelease{}
	for rows.Next() {
		var (
			rel                   SlotRelease
			limitID, releasedText string
		)
		if err := rows.Scan(&rel.ID, &limitID, &rel.Tag, &rel.HolderID,
			&rel.OccupancySeconds, &rel.HeldSeconds, &releasedText); err != nil {
			return nil, fmt.Errorf("scan slot release: %w", err)
		}
		if rel.LimitID, err = uuid.Parse(limitID); err != nil {
			return nil, fmt.Errorf("scan slot release: %w", err)
		}
		if rel.Released, err = parseTime(releasedText); err != nil {
			return nil, err
		}
		releases = append(releases, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot releases: %w", err)
	}
	return releases, nil
}

func readLimits(ctx context.Context, q querier, tags []string) ([]ConcurrencyLimit, error) {
	limits := make([]ConcurrencyLimit, 0, len(tags))
	for _, tag := range tags {
		lim, err := readLimit(ctx, q, tag)
		if err != nil {
			return nil, err
		}
		limits = append(limits, lim)
	}
	return limits, nil
}

func readLimit(ctx context.Context, q querier, tag string) (ConcurrencyLimit, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tag, concurrency_limit, created, updated
		FROM concurrency_limits
		WHERE tag = ?
	`, tag)
	lim, err := scanLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConcurrencyLimit{}, &LimitNotFoundError{Tag: tag}
	}
	if err != nil {
		return ConcurrencyLimit{}, fmt.Errorf("read concurrency limit: %w", err)
	}

	limits := []ConcurrencyLimit{lim}
	if err := loadSlots(ctx, q, limits); err != nil {
		return ConcurrencyLimit{}, err
	}
	return limits[0], nil
}

func scanLimit(row rowScanner) (ConcurrencyLimit, error) {
	var (
		lim                      ConcurrencyLimit
		id                       string
		createdText, updatedText string
	)
	if err := row.Scan(&id, &lim.Tag, &lim.ConcurrencyLimit, &createdText, &updatedText); err != nil {
		return ConcurrencyLimit{}, err
	}
	var err error
	if lim.ID, err = uuid.Parse(id); err != nil {
		return ConcurrencyLimit{}, err
	}
	if lim.Created, err = parseTime(createdText); err != nil {
		return ConcurrencyLimit{}, err
	}
	if lim.Updated, err = parseTime(updatedText); err != nil {
		return ConcurrencyLimit{}, err
	}
	lim.ActiveSlots = []string{}
	return lim, nil
}

// loadSlots fills ActiveSlots of each limit, in acquisition order.
func loadSlots(ctx context.Context, q querier, limits []ConcurrencyLimit) error {
	if len(limits) == 0 {
		return nil
	}
	index := make(map[string]int, len(limits))
	args := make([]any, 0, len(limits))
	for i := range limits {
		limits[i].ActiveSlots = []string{}
		index[limits[i].ID.String()] = i
		args = append(args, limits[i].ID.String())
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(limits)), ",")
	rows, err := q.QueryContext(ctx, `
		SELECT limit_id, holder_id
		FROM slot_leases
		WHERE limit_id IN (`+placeholders+`)
		ORDER BY acquired ASC, rowid ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("query slot leases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var limitID, holder string
		if err := rows.Scan(&limitID, &holder); err != nil {
			return fmt.Errorf("scan slot lease: %w", err)
		}
		if i, ok := index[limitID]; ok {
			limits[i].ActiveSlots = append(limits[i].ActiveSlots, holder)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate slot leases: %w", err)
	}
	return nil
}

func insertLease(ctx context.Context, q querier, limitID uuid.UUID, holder, acquired string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO slot_leases (limit_id, holder_id, acquired)
		VALUES (?, ?, ?)
		ON CONFLICT(limit_id, holder_id) DO NOTHING
	`, limitID.String(), holder, acquired)
	if err != nil {
		return fmt.Errorf("insert slot lease: %w", err)
	}
	return nil
}

func touchLimit(ctx context.Context, q querier, limitID uuid.UUID, now string) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE concurrency_limits SET updated = ? WHERE id = ?
	`, now, limitID.String()); err != nil {
		return fmt.Errorf("touch concurrency limit: %w", err)
	}
	return nil
}

// dedupe drops repeated entries, keeping first occurrences in order.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
