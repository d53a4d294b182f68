package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"yoma-reconciler/internal/models"
)

// Table describes one pending-item table and its status reference table.
type Table struct {
	Name        string
	StatusTable string
	// DueColumn names the timestamp compared against Filter.DueBefore. Empty disables the predicate.
	DueColumn string
	// HasDateEnd is set for tables carrying a date_end column.
	HasDateEnd bool
}

// Filter narrows a batch fetch.
type Filter struct {
	StatusIDs  []string
	Limit      int
	ExcludeIDs []string
	DueBefore  time.Time
}

// Repository exposes batch fetch and status persistence for a single table.
type Repository struct {
	db          *sql.DB
	table       Table
	name        string
	statusTable string
	dueColumn   string
}

// Repository binds a table description to the store.
func (s *Store) Repository(t Table) *Repository {
	r := &Repository{
		db:          s.db,
		table:       t,
		name:        pgx.Identifier{t.Name}.Sanitize(),
		statusTable: pgx.Identifier{t.StatusTable}.Sanitize(),
	}
	if t.DueColumn != "" {
		r.dueColumn = pgx.Identifier{t.DueColumn}.Sanitize()
	}
	return r
}

// Table returns the table description.
func (r *Repository) Table() Table {
	return r.table
}

// Statuses lists the rows of the table's status reference table.
func (r *Repository) Statuses(ctx context.Context) ([]models.StatusLookup, error) {
	return NewWithDB(r.db).ListStatuses(ctx, r.table.StatusTable)
}

func (r *Repository) selectColumns() string {
	dateEnd := "NULL::timestamptz"
	if r.table.HasDateEnd {
		dateEnd = "i.date_end"
	}
	return "i.id, i.status_id, s.name, i.payload, i.external_id, i.error_reason, i.retry_count, " +
		dateEnd + ", i.date_created, i.date_modified"
}

// FetchBatch returns up to f.Limit items in one of f.StatusIDs, oldest first.
func (r *Repository) FetchBatch(ctx context.Context, f Filter) ([]models.PendingItem, error) {
	if f.Limit <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if len(f.StatusIDs) == 0 {
		return nil, errors.New("store: fetch requires at least one status")
	}

	args := make([]any, 0, len(f.StatusIDs)+len(f.ExcludeIDs)+2)
	var where strings.Builder
	where.WriteString("i.status_id IN (")
	for i, id := range f.StatusIDs {
		args = append(args, id)
		if i > 0 {
			where.WriteString(", ")
		}
		fmt.Fprintf(&where, "$%d", len(args))
	}
	where.WriteString(")")

	if len(f.ExcludeIDs) > 0 {
		where.WriteString(" AND i.id NOT IN (")
		for i, id := range f.ExcludeIDs {
			args = append(args, id)
			if i > 0 {
				where.WriteString(", ")
			}
			fmt.Fprintf(&where, "$%d", len(args))
		}
		where.WriteString(")")
	}

	if r.dueColumn != "" && !f.DueBefore.IsZero() {
		args = append(args, f.DueBefore)
		fmt.Fprintf(&where, " AND i.%s < $%d", r.dueColumn, len(args))
	}

	args = append(args, f.Limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s i JOIN %s s ON s.id = i.status_id
		WHERE %s
		ORDER BY i.date_created ASC, i.id ASC
		LIMIT $%d
	`, r.selectColumns(), r.name, r.statusTable, where.String(), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s batch: %w", r.table.Name, err)
	}
	defer rows.Close()

	items := make([]models.PendingItem, 0, f.Limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.table.Name, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", r.table.Name, err)
	}
	return items, nil
}

// Get fetches a single item by id.
func (r *Repository) Get(ctx context.Context, id string) (models.PendingItem, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s i JOIN %s s ON s.id = i.status_id
		WHERE i.id = $1
	`, r.selectColumns(), r.name, r.statusTable), id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PendingItem{}, fmt.Errorf("%s %s: %w", r.table.Name, id, ErrNotFound)
	}
	if err != nil {
		return models.PendingItem{}, fmt.Errorf("scan %s: %w", r.table.Name, err)
	}
	return item, nil
}

// LatestByPayload returns the newest item whose payload field key equals value.
func (r *Repository) LatestByPayload(ctx context.Context, key, value string) (models.PendingItem, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s i JOIN %s s ON s.id = i.status_id
		WHERE i.payload->>$1 = $2
		ORDER BY i.date_created DESC
		LIMIT 1
	`, r.selectColumns(), r.name, r.statusTable), key, value)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PendingItem{}, fmt.Errorf("%s with %s=%s: %w", r.table.Name, key, value, ErrNotFound)
	}
	if err != nil {
		return models.PendingItem{}, fmt.Errorf("scan %s: %w", r.table.Name, err)
	}
	return item, nil
}

// Persist writes the mutable fields of an item that is still in fromStatusID. A vanished row
// yields ErrNotFound; a row another job moved meanwhile yields ErrStateMismatch and is left as is.
func (r *Repository) Persist(ctx context.Context, item models.PendingItem, fromStatusID string) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status_id = $2, external_id = $3, error_reason = $4, retry_count = $5, date_modified = $6
		WHERE id = $1 AND status_id = $7
	`, r.name), item.ID, item.StatusID, nullString(item.ExternalID), nullString(item.ErrorReason), int16(item.RetryCount), item.DateModified, fromStatusID)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", r.table.Name, item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s %s: %w", r.table.Name, item.ID, err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status_id FROM %s WHERE id = $1`, r.name), item.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s %s: %w", r.table.Name, item.ID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("recheck %s %s: %w", r.table.Name, item.ID, err)
	}
	return fmt.Errorf("%s %s is in %s, not %s: %w", r.table.Name, item.ID, current, fromStatusID, ErrStateMismatch)
}

// Insert adds a new item row.
func (r *Repository) Insert(ctx context.Context, item models.PendingItem) error {
	if r.table.HasDateEnd {
		_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, status_id, payload, retry_count, date_end, date_created, date_modified)
			VALUES ($1, $2, $3, 0, $4, $5, $5)
		`, r.name), item.ID, item.StatusID, []byte(item.Payload), item.DateEnd, item.DateCreated)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.table.Name, err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, status_id, payload, retry_count, date_created, date_modified)
		VALUES ($1, $2, $3, 0, $4, $4)
	`, r.name), item.ID, item.StatusID, []byte(item.Payload), item.DateCreated)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.table.Name, err)
	}
	return nil
}

// Requeue moves a single item from one status to another while its retry budget lasts.
func (r *Repository) Requeue(ctx context.Context, id, fromStatusID, toStatusID string, maxRetry int, now time.Time) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status_id = $3, date_modified = $5
		WHERE id = $1 AND status_id = $2 AND retry_count < $4
	`, r.name), id, fromStatusID, toStatusID, maxRetry, now)
	if err != nil {
		return fmt.Errorf("requeue %s %s: %w", r.table.Name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s %s: %w", r.table.Name, id, err)
	}
	if n == 0 {
		return fmt.Errorf("requeue %s %s: %w", r.table.Name, id, ErrStateMismatch)
	}
	return nil
}

// RequeueAll moves up to limit items, oldest first, from one status to another while
// their retry budget lasts. It returns how many rows moved.
func (r *Repository) RequeueAll(ctx context.Context, fromStatusID, toStatusID string, maxRetry, limit int, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %[1]s SET status_id = $2, date_modified = $4
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE status_id = $1 AND retry_count < $3
			ORDER BY date_created ASC
			LIMIT $5
		)
	`, r.name), fromStatusID, toStatusID, maxRetry, now, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", r.table.Name, err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (models.PendingItem, error) {
	var (
		item        models.PendingItem
		payload     []byte
		externalID  sql.NullString
		errorReason sql.NullString
		retryCount  int64
		dateEnd     sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.StatusID, &item.Status, &payload, &externalID, &errorReason,
		&retryCount, &dateEnd, &item.DateCreated, &item.DateModified); err != nil {
		return models.PendingItem{}, err
	}
	item.Payload = payload
	item.ExternalID = stringPtr(externalID)
	item.ErrorReason = stringPtr(errorReason)
	item.RetryCount = clampRetry(retryCount)
	item.DateEnd = timePtr(dateEnd)
	return item, nil
}

func clampRetry(v int64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > models.MaxRetryCount:
		return models.MaxRetryCount
	default:
		return uint8(v)
	}
}
