package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/models"
)

// ObligationRepository provides data access for pending fetch obligations
// and the missed-fetch log.
type ObligationRepository interface {
	ReplaceForUnits(ctx context.Context, category models.Category, unitIDs []string, obligations []*models.FetchObligation) error
	NextChunk(ctx context.Context, category models.Category, kind models.DataKind, limit int) ([]*models.FetchObligation, error)
	DeleteByDetailIDs(ctx context.Context, category models.Category, kind models.DataKind, detailIDs []string) (int64, error)
	RecordMissed(ctx context.Context, missed []*models.MissedFetch) error
	CountPending(ctx context.Context) (map[models.Category]map[models.DataKind]int64, error)
	CountMissed(ctx context.Context) (int64, error)
}

type obligationRepository struct {
	q       database.Querier
	dialect string
}

// NewObligationRepository creates an ObligationRepository over q, which may
// be the connection pool or an open transaction.
func NewObligationRepository(q database.Querier, dialect string) ObligationRepository {
	return &obligationRepository{q: q, dialect: dialect}
}

var _ ObligationRepository = (*obligationRepository)(nil)

// ReplaceForUnits drops every stored obligation the listed units hold in
// the category and inserts the fresh set, so a unit's obligations always
// reflect its latest basic record.
func (r *obligationRepository) ReplaceForUnits(ctx context.Context, category models.Category, unitIDs []string, obligations []*models.FetchObligation) error {
	for start := 0; start < len(unitIDs); start += inClauseLimit {
		end := start + inClauseLimit
		if end > len(unitIDs) {
			end = len(unitIDs)
		}
		chunk := unitIDs[start:end]

		query := database.Rebind(r.dialect, `
			DELETE FROM fetch_obligations
			WHERE category = ? AND unit_id IN (`+database.Placeholders(len(chunk))+`)`)
		args := make([]any, 0, len(chunk)+1)
		args = append(args, string(category))
		for _, id := range chunk {
			args = append(args, id)
		}

		if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete stale obligations: %w", err)
		}
	}

	for start := 0; start < len(obligations); start += insertBatchRows {
		end := start + insertBatchRows
		if end > len(obligations) {
			end = len(obligations)
		}
		batch := obligations[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO fetch_obligations (unit_id, category, data_kind, detail_id, requested_at) VALUES `)
		args := make([]any, 0, len(batch)*5)
		for i, o := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, o.UnitID, string(o.Category), string(o.DataKind), o.DetailID, o.RequestedAt)
		}

		if _, err := r.q.ExecContext(ctx, database.Rebind(r.dialect, sb.String()), args...); err != nil {
			return fmt.Errorf("failed to insert obligations: %w", err)
		}
	}

	return nil
}

// NextChunk returns up to limit pending obligations for the pair, lowest
// unit ids first. Draining pages by deleting satisfied rows, so repeated
// calls walk the frontier without an offset.
func (r *obligationRepository) NextChunk(ctx context.Context, category models.Category, kind models.DataKind, limit int) ([]*models.FetchObligation, error) {
	query := database.Rebind(r.dialect, `
		SELECT unit_id, category, data_kind, detail_id, requested_at
		FROM fetch_obligations
		WHERE category = ? AND data_kind = ?
		ORDER BY unit_id
		LIMIT ?`)

	rows, err := r.q.QueryContext(ctx, query, string(category), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var obligations []*models.FetchObligation
	for rows.Next() {
		var o models.FetchObligation
		if err := rows.Scan(&o.UnitID, &o.Category, &o.DataKind, &o.DetailID, &o.RequestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		obligations = append(obligations, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating obligations: %w", err)
	}
	return obligations, nil
}

func (r *obligationRepository) DeleteByDetailIDs(ctx context.Context, category models.Category, kind models.DataKind, detailIDs []string) (int64, error) {
	var removed int64

	for start := 0; start < len(detailIDs); start += inClauseLimit {
		end := start + inClauseLimit
		if end > len(detailIDs) {
			end = len(detailIDs)
		}
		chunk := detailIDs[start:end]

		query := database.Rebind(r.dialect, `
			DELETE FROM fetch_obligations
			WHERE category = ? AND data_kind = ? AND detail_id IN (`+database.Placeholders(len(chunk))+`)`)
		args := make([]any, 0, len(chunk)+2)
		args = append(args, string(category), string(kind))
		for _, id := range chunk {
			args = append(args, id)
		}

		result, err := r.q.ExecContext(ctx, query, args...)
		if err != nil {
			return removed, fmt.Errorf("failed to delete obligations: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("failed to count deleted obligations: %w", err)
		}
		removed += n
	}

	return removed, nil
}

func (r *obligationRepository) RecordMissed(ctx context.Context, missed []*models.MissedFetch) error {
	for start := 0; start < len(missed); start += insertBatchRows {
		end := start + insertBatchRows
		if end > len(missed) {
			end = len(missed)
		}
		batch := missed[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO missed_fetches (detail_id, unit_id, category, data_kind, missed_at) VALUES `)
		args := make([]any, 0, len(batch)*5)
		for i, m := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, m.DetailID, m.UnitID, string(m.Category), string(m.DataKind), m.MissedAt)
		}

		if _, err := r.q.ExecContext(ctx, database.Rebind(r.dialect, sb.String()), args...); err != nil {
			return fmt.Errorf("failed to record missed fetches: %w", err)
		}
	}
	return nil
}

func (r *obligationRepository) CountPending(ctx context.Context) (map[models.Category]map[models.DataKind]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT category, data_kind, COUNT(*) FROM fetch_obligations GROUP BY category, data_kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count obligations: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Category]map[models.DataKind]int64)
	for rows.Next() {
		var category models.Category
		var kind models.DataKind
		var n int64
		if err := rows.Scan(&category, &kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan obligation count: %w", err)
		}
		if counts[category] == nil {
			counts[category] = make(map[models.DataKind]int64)
		}
		counts[category][kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating obligation counts: %w", err)
	}
	return counts, nil
}

func (r *obligationRepository) CountMissed(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM missed_fetches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count missed fetches: %w", err)
	}
	return n, nil
}
