package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/models"
	"github.com/unitgrid/mastr-engine/pkg/schema"
)

// UnitRepository provides data access for the basic unit ledger.
type UnitRepository interface {
	GetByID(ctx context.Context, unitID string) (*models.BasicUnit, error)
	LastModifiedByID(ctx context.Context, unitIDs []string) (map[string]time.Time, error)
	InsertMany(ctx context.Context, units []*models.BasicUnit) error
	Update(ctx context.Context, unit *models.BasicUnit) error
	Watermark(ctx context.Context, category models.Category) (time.Time, error)
	Watermarks(ctx context.Context) (map[models.Category]time.Time, []string, error)
	CountByLabel(ctx context.Context) (map[string]int64, error)
}

type unitRepository struct {
	q        database.Querier
	dialect  string
	registry *schema.Registry
}

// NewUnitRepository creates a UnitRepository over q, which may be the
// connection pool or an open transaction.
func NewUnitRepository(q database.Querier, dialect string, registry *schema.Registry) UnitRepository {
	return &unitRepository{q: q, dialect: dialect, registry: registry}
}

var _ UnitRepository = (*unitRepository)(nil)

func (r *unitRepository) GetByID(ctx context.Context, unitID string) (*models.BasicUnit, error) {
	query := database.Rebind(r.dialect, `
		SELECT unit_id, category, name, status, last_modified, eeg_ref, chp_ref, permit_ref
		FROM basic_units
		WHERE unit_id = ?`)

	unit, err := scanBasicUnit(r.q.QueryRowContext(ctx, query, unitID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Unit not known yet
		}
		return nil, err
	}
	return unit, nil
}

// LastModifiedByID returns the stored last_modified timestamp for each unit
// that already exists. Ids without a stored row are simply absent from the
// result.
func (r *unitRepository) LastModifiedByID(ctx context.Context, unitIDs []string) (map[string]time.Time, error) {
	known := make(map[string]time.Time, len(unitIDs))

	for start := 0; start < len(unitIDs); start += inClauseLimit {
		end := start + inClauseLimit
		if end > len(unitIDs) {
			end = len(unitIDs)
		}
		chunk := unitIDs[start:end]

		query := database.Rebind(r.dialect, `
			SELECT unit_id, last_modified
			FROM basic_units
			WHERE unit_id IN (`+database.Placeholders(len(chunk))+`)`)
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := r.q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query unit timestamps: %w", err)
		}
		for rows.Next() {
			var id string
			var ts time.Time
			if err := rows.Scan(&id, &ts); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan unit timestamp: %w", err)
			}
			known[id] = ts
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating unit timestamps: %w", err)
		}
		rows.Close()
	}

	return known, nil
}

func (r *unitRepository) InsertMany(ctx context.Context, units []*models.BasicUnit) error {
	for start := 0; start < len(units); start += insertBatchRows {
		end := start + insertBatchRows
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO basic_units (unit_id, category, name, status, last_modified, eeg_ref, chp_ref, permit_ref) VALUES `)
		args := make([]any, 0, len(batch)*8)
		for i, u := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, u.UnitID, u.CategoryLabel, u.Name, u.Status, u.LastModified, u.EegRef, u.ChpRef, u.PermitRef)
		}

		if _, err := r.q.ExecContext(ctx, database.Rebind(r.dialect, sb.String()), args...); err != nil {
			return fmt.Errorf("failed to insert basic units: %w", err)
		}
	}
	return nil
}

func (r *unitRepository) Update(ctx context.Context, unit *models.BasicUnit) error {
	query := database.Rebind(r.dialect, `
		UPDATE basic_units
		SET category = ?, name = ?, status = ?, last_modified = ?, eeg_ref = ?, chp_ref = ?, permit_ref = ?
		WHERE unit_id = ?`)

	result, err := r.q.ExecContext(ctx, query,
		unit.CategoryLabel,
		unit.Name,
		unit.Status,
		unit.LastModified,
		unit.EegRef,
		unit.ChpRef,
		unit.PermitRef,
		unit.UnitID,
	)
	if err != nil {
		return fmt.Errorf("failed to update basic unit: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count updated units: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Watermark returns the newest last_modified among the category's stored
// units, or the zero time when the category has none. The watermark is
// always derived from stored rows, never tracked separately.
func (r *unitRepository) Watermark(ctx context.Context, category models.Category) (time.Time, error) {
	label, ok := r.registry.LabelForCategory(category)
	if !ok {
		return time.Time{}, fmt.Errorf("category %q: %w", category, apperrors.ErrUnknownCategory)
	}
	return r.watermarkForLabel(ctx, label)
}

// Watermarks derives the watermark for every category with stored units.
// Stored labels the registry does not know are returned separately so the
// caller can surface them without failing the fan-out.
func (r *unitRepository) Watermarks(ctx context.Context) (map[models.Category]time.Time, []string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT DISTINCT category FROM basic_units`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query stored categories: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, nil, fmt.Errorf("failed to scan category label: %w", err)
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating category labels: %w", err)
	}

	marks := make(map[models.Category]time.Time, len(labels))
	var unknown []string
	for _, label := range labels {
		category, ok := r.registry.CategoryForLabel(label)
		if !ok {
			unknown = append(unknown, label)
			continue
		}
		ts, err := r.watermarkForLabel(ctx, label)
		if err != nil {
			return nil, nil, err
		}
		marks[category] = ts
	}
	return marks, unknown, nil
}

func (r *unitRepository) CountByLabel(ctx context.Context) (map[string]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT category, COUNT(*) FROM basic_units GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unit count: %w", err)
		}
		counts[label] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit counts: %w", err)
	}
	return counts, nil
}

// The newest timestamp is read via ORDER BY ... LIMIT 1 rather than MAX():
// the (category, last_modified) index serves that form directly, and the
// sqlite driver only applies its timestamp conversion to direct column
// references.
func (r *unitRepository) watermarkForLabel(ctx context.Context, label string) (time.Time, error) {
	query := database.Rebind(r.dialect, `
		SELECT last_modified
		FROM basic_units
		WHERE category = ?
		ORDER BY last_modified DESC
		LIMIT 1`)

	var ts time.Time
	err := r.q.QueryRowContext(ctx, query, label).Scan(&ts)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil // No units stored for this label yet
		}
		return time.Time{}, fmt.Errorf("failed to read watermark for %s: %w", label, err)
	}
	return ts, nil
}

func scanBasicUnit(row rowScanner) (*models.BasicUnit, error) {
	var u models.BasicUnit
	var name, status *string

	err := row.Scan(
		&u.UnitID,
		&u.CategoryLabel,
		&name,
		&status,
		&u.LastModified,
		&u.EegRef,
		&u.ChpRef,
		&u.PermitRef,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan basic unit: %w", err)
	}

	if name != nil {
		u.Name = *name
	}
	if status != nil {
		u.Status = *status
	}
	return &u, nil
}
