package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/mastr"
	"github.com/unitgrid/mastr-engine/pkg/metrics"
	"github.com/unitgrid/mastr-engine/pkg/models"
	"github.com/unitgrid/mastr-engine/pkg/normalize"
	"github.com/unitgrid/mastr-engine/pkg/repositories"
	"github.com/unitgrid/mastr-engine/pkg/retry"
	"github.com/unitgrid/mastr-engine/pkg/schema"
	"github.com/unitgrid/mastr-engine/pkg/store"
)

const (
	// DefaultChunkSize is the fetch page size when none is configured.
	DefaultChunkSize = 1000
	// DefaultMaxDrainIterations bounds the drain loop per (category, kind)
	// pair when the remote keeps returning data that never clears the
	// queue.
	DefaultMaxDrainIterations = 10000
)

// BackfillOptions controls one incremental synchronization run.
type BackfillOptions struct {
	// Categories to process; nil means every known category.
	Categories []models.Category
	// Since restricts the fetch to units modified at or after this
	// instant. Mutually exclusive with Latest.
	Since time.Time
	// Latest derives the lower bound per category from the stored
	// watermark, so each run continues where the last one ended.
	Latest bool
	// Limit caps the units fetched per category; 0 means no cap.
	Limit int
	// ChunkSize is the fetch page size; 0 means DefaultChunkSize.
	ChunkSize int
	// Parallel is the number of categories processed at once; 0 means the
	// worker pool default.
	Parallel int
}

// BackfillStats counts what one backfill did to a single category.
type BackfillStats struct {
	Fetched      int
	Inserted     int
	Updated      int
	SkippedStale int
	Rejected     int
	Obligations  int
}

func (s *BackfillStats) add(o BackfillStats) {
	s.Fetched += o.Fetched
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.SkippedStale += o.SkippedStale
	s.Rejected += o.Rejected
	s.Obligations += o.Obligations
}

// BackfillResult aggregates per-category outcomes of one run.
type BackfillResult struct {
	Categories map[models.Category]*BackfillStats
}

// Totals sums the per-category stats.
func (r *BackfillResult) Totals() BackfillStats {
	var total BackfillStats
	for _, s := range r.Categories {
		total.add(*s)
	}
	return total
}

// DrainOptions controls one obligation-drain run.
type DrainOptions struct {
	// Categories to drain; nil means every known category.
	Categories []models.Category
	// Kinds to drain; nil means every kind the category has a table for.
	// Explicitly requesting a kind the category does not support is an
	// error.
	Kinds []models.DataKind
	// ChunkSize is the number of obligations requested per remote call; 0
	// means DefaultChunkSize.
	ChunkSize int
	// Limit caps the obligations consumed per (category, kind) pair,
	// counting both delivered and missed ids; 0 means no cap.
	Limit int
	// MaxIterations bounds the loop per pair; 0 means
	// DefaultMaxDrainIterations.
	MaxIterations int
	// Parallel is the number of categories drained at once; 0 means the
	// worker pool default.
	Parallel int
}

// DrainStats counts what one drain did to a single (category, kind) pair.
type DrainStats struct {
	Fetched    int
	Missed     int
	Iterations int
}

func (s *DrainStats) add(o DrainStats) {
	s.Fetched += o.Fetched
	s.Missed += o.Missed
	s.Iterations += o.Iterations
}

// DrainResult aggregates per-pair outcomes of one drain run.
type DrainResult struct {
	Categories map[models.Category]map[models.DataKind]*DrainStats
}

// Totals sums the per-pair stats.
func (r *DrainResult) Totals() DrainStats {
	var total DrainStats
	for _, byKind := range r.Categories {
		for _, s := range byKind {
			total.add(*s)
		}
	}
	return total
}

// SyncEngine runs the incremental synchronization cycle: backfilling basic
// unit records from the remote API and draining the fetch obligations that
// backfilling derives.
type SyncEngine interface {
	// Backfill fetches changed basic units per category, merges them into
	// the ledger, and replaces the fetch obligations of every unit that
	// was inserted or updated.
	Backfill(ctx context.Context, opts BackfillOptions) (*BackfillResult, error)

	// DrainObligations works off pending fetch obligations by requesting
	// detail records and merging them into their detail tables. Ids the
	// remote side cannot resolve are recorded as missed fetches and
	// removed from the queue.
	DrainObligations(ctx context.Context, opts DrainOptions) (*DrainResult, error)
}

type syncEngine struct {
	db       *database.DB
	client   mastr.Client
	registry *schema.Registry
	adapter  *store.Adapter
	retryCfg *retry.Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncEngine creates a SyncEngine.
func NewSyncEngine(db *database.DB, client mastr.Client, registry *schema.Registry, logger *zap.Logger) (SyncEngine, error) {
	adapter, err := store.NewAdapter(db.Dialect, logger)
	if err != nil {
		return nil, err
	}
	return &syncEngine{
		db:       db,
		client:   client,
		registry: registry,
		adapter:  adapter,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("sync"),
		now:      time.Now,
	}, nil
}

// ---------------------------------------------------------------------------
// Backfill
// ---------------------------------------------------------------------------

func (e *syncEngine) Backfill(ctx context.Context, opts BackfillOptions) (*BackfillResult, error) {
	if opts.Latest && !opts.Since.IsZero() {
		return nil, fmt.Errorf("since and latest are mutually exclusive")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	categories, err := e.resolveCategories(opts.Categories)
	if err != nil {
		return nil, err
	}

	// Every log line of one invocation shares a run id, so interleaved
	// runs stay separable.
	logger := e.logger.With(zap.String("run", uuid.NewString()))

	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: opts.Parallel}, e.logger)
	items := make([]WorkItem[*BackfillStats], 0, len(categories))
	for _, category := range categories {
		category := category
		items = append(items, WorkItem[*BackfillStats]{
			ID: category.String(),
			Execute: func(ctx context.Context) (*BackfillStats, error) {
				return e.backfillCategory(ctx, logger, category, opts)
			},
		})
	}

	result := &BackfillResult{Categories: make(map[models.Category]*BackfillStats, len(items))}
	var errs []error
	for _, r := range Process(ctx, pool, items, nil) {
		if r.Result != nil {
			result.Categories[models.Category(r.ID)] = r.Result
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("category %s: %w", r.ID, r.Err))
		}
	}
	return result, errors.Join(errs...)
}

func (e *syncEngine) backfillCategory(ctx context.Context, logger *zap.Logger, category models.Category, opts BackfillOptions) (*BackfillStats, error) {
	logger = logger.With(zap.String("category", category.String()))
	stats := &BackfillStats{}

	since := opts.Since
	if opts.Latest {
		units := repositories.NewUnitRepository(e.db, e.db.Dialect, e.registry)
		watermark, err := units.Watermark(ctx, category)
		if err != nil {
			return stats, fmt.Errorf("failed to derive watermark: %w", err)
		}
		since = watermark
		if opts.Limit > 0 {
			// A capped run can stop short of the newest data while later
			// runs resume from an advanced watermark, leaving a permanent
			// gap.
			logger.Warn("limit combined with watermark resume can skip units",
				zap.Int("limit", opts.Limit))
		}
	}
	if !since.IsZero() {
		logger.Info("backfilling modified units", zap.Time("since", since))
	} else {
		logger.Info("backfilling all units")
	}

	startAt := 1
	for {
		pageSize := opts.ChunkSize
		if opts.Limit > 0 {
			if remaining := opts.Limit - stats.Fetched; remaining < pageSize {
				pageSize = remaining
			}
		}
		if pageSize <= 0 {
			break
		}

		page, err := retry.DoWithResult(ctx, e.retryCfg, func() ([]models.RawRecord, error) {
			return e.client.BasicUnits(ctx, category, since, startAt, pageSize)
		})
		if err != nil {
			return stats, fmt.Errorf("failed to fetch basic units at %d: %w", startAt, err)
		}
		if len(page) == 0 {
			break
		}

		stats.Fetched += len(page)
		if err := e.applyBasicChunk(ctx, category, page, stats, logger); err != nil {
			return stats, err
		}

		startAt += len(page)
		if len(page) < pageSize {
			break
		}
	}

	logger.Info("backfill finished",
		zap.Int("fetched", stats.Fetched),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped_stale", stats.SkippedStale),
		zap.Int("rejected", stats.Rejected),
		zap.Int("obligations", stats.Obligations))
	return stats, nil
}

// applyBasicChunk merges one fetched page into the ledger inside a single
// transaction, then replaces the obligations of every unit the page
// inserted or updated.
func (e *syncEngine) applyBasicChunk(ctx context.Context, category models.Category, page []models.RawRecord, stats *BackfillStats, logger *zap.Logger) error {
	label, _ := e.registry.LabelForCategory(category)

	// The remote result set may repeat a unit within one page; the last
	// occurrence is the freshest and wins.
	order := make([]string, 0, len(page))
	byID := make(map[string]*models.BasicUnit, len(page))
	rejected := 0
	for _, raw := range page {
		unit, err := normalize.BasicUnit(raw)
		if err != nil {
			rejected++
			logger.Warn("rejected basic unit record", zap.Error(err))
			continue
		}
		if unit.CategoryLabel == "" {
			unit.CategoryLabel = label
		}
		if _, seen := byID[unit.UnitID]; !seen {
			order = append(order, unit.UnitID)
		}
		byID[unit.UnitID] = unit
	}
	stats.Rejected += rejected
	metrics.CounterUnitsRejected.Add(float64(rejected))
	if len(order) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	units := repositories.NewUnitRepository(tx, e.db.Dialect, e.registry)
	obligations := repositories.NewObligationRepository(tx, e.db.Dialect)

	stored, err := units.LastModifiedByID(ctx, order)
	if err != nil {
		return err
	}

	var chunk BackfillStats
	inserts := make([]*models.BasicUnit, 0, len(order))
	changed := make([]*models.BasicUnit, 0, len(order))
	for _, id := range order {
		unit := byID[id]
		storedAt, exists := stored[id]
		switch {
		case !exists:
			inserts = append(inserts, unit)
			changed = append(changed, unit)
		case storedAt.Before(unit.LastModified):
			if err := units.Update(ctx, unit); err != nil {
				return err
			}
			chunk.Updated++
			changed = append(changed, unit)
		default:
			// Stored state is as new or newer; an equal timestamp means
			// the unit was already synchronized.
			chunk.SkippedStale++
		}
	}
	if err := units.InsertMany(ctx, inserts); err != nil {
		return err
	}
	chunk.Inserted = len(inserts)

	requestedAt := e.now().UTC()
	changedIDs := make([]string, 0, len(changed))
	fresh := make([]*models.FetchObligation, 0, len(changed))
	for _, unit := range changed {
		changedIDs = append(changedIDs, unit.UnitID)
		for _, kind := range e.registry.KindsFor(category) {
			ref := unit.RefFor(kind)
			if ref == nil {
				continue
			}
			fresh = append(fresh, &models.FetchObligation{
				UnitID:      unit.UnitID,
				Category:    category,
				DataKind:    kind,
				DetailID:    *ref,
				RequestedAt: requestedAt,
			})
		}
	}
	if err := obligations.ReplaceForUnits(ctx, category, changedIDs, fresh); err != nil {
		return err
	}
	chunk.Obligations = len(fresh)

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk: %w", err)
	}

	stats.add(chunk)
	metrics.CounterUnitsInserted.Add(float64(chunk.Inserted))
	metrics.CounterUnitsUpdated.Add(float64(chunk.Updated))
	metrics.CounterUnitsSkippedStale.Add(float64(chunk.SkippedStale))
	metrics.CounterObligationsEnqueued.Add(float64(chunk.Obligations))
	return nil
}

// ---------------------------------------------------------------------------
// Drain
// ---------------------------------------------------------------------------

func (e *syncEngine) DrainObligations(ctx context.Context, opts DrainOptions) (*DrainResult, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxDrainIterations
	}

	categories, err := e.resolveCategories(opts.Categories)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With(zap.String("run", uuid.NewString()))

	pool := NewWorkerPool(WorkerPoolConfig{MaxConcurrent: opts.Parallel}, e.logger)
	items := make([]WorkItem[map[models.DataKind]*DrainStats], 0, len(categories))
	for _, category := range categories {
		category := category
		items = append(items, WorkItem[map[models.DataKind]*DrainStats]{
			ID: category.String(),
			Execute: func(ctx context.Context) (map[models.DataKind]*DrainStats, error) {
				return e.drainCategory(ctx, logger, category, opts)
			},
		})
	}

	result := &DrainResult{Categories: make(map[models.Category]map[models.DataKind]*DrainStats, len(items))}
	var errs []error
	for _, r := range Process(ctx, pool, items, nil) {
		if r.Result != nil {
			result.Categories[models.Category(r.ID)] = r.Result
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("category %s: %w", r.ID, r.Err))
		}
	}
	return result, errors.Join(errs...)
}

func (e *syncEngine) drainCategory(ctx context.Context, logger *zap.Logger, category models.Category, opts DrainOptions) (map[models.DataKind]*DrainStats, error) {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = e.registry.KindsFor(category)
	}

	result := make(map[models.DataKind]*DrainStats, len(kinds))
	for _, kind := range kinds {
		stats, err := e.drainPair(ctx, logger, category, kind, opts)
		result[kind] = stats
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *syncEngine) drainPair(ctx context.Context, logger *zap.Logger, category models.Category, kind models.DataKind, opts DrainOptions) (*DrainStats, error) {
	stats := &DrainStats{}

	table, err := e.registry.DetailTable(category, kind)
	if err != nil {
		return stats, err
	}
	keyColumn, err := e.registry.KeyColumn(kind)
	if err != nil {
		return stats, err
	}

	logger = logger.With(
		zap.String("category", category.String()),
		zap.String("kind", kind.String()),
		zap.String("table", table))
	queue := repositories.NewObligationRepository(e.db, e.db.Dialect)

	consumed := 0
	for {
		if opts.Limit > 0 && consumed >= opts.Limit {
			break
		}
		if stats.Iterations >= opts.MaxIterations {
			logger.Warn("iteration cap reached before the queue drained",
				zap.Int("iterations", stats.Iterations))
			break
		}
		stats.Iterations++

		chunkSize := opts.ChunkSize
		if opts.Limit > 0 {
			if remaining := opts.Limit - consumed; remaining < chunkSize {
				chunkSize = remaining
			}
		}
		pending, err := queue.NextChunk(ctx, category, kind, chunkSize)
		if err != nil {
			return stats, err
		}
		if len(pending) == 0 {
			break
		}

		detailIDs := make([]string, 0, len(pending))
		unitByDetail := make(map[string]string, len(pending))
		for _, o := range pending {
			detailIDs = append(detailIDs, o.DetailID)
			unitByDetail[o.DetailID] = o.UnitID
		}

		// A drain run issues this fetch thousands of times, so permanent
		// failures abort immediately instead of backing off each chunk.
		var fetched []models.RawRecord
		var missing []string
		err = retry.DoIfRetryable(ctx, e.retryCfg, func() error {
			var fetchErr error
			fetched, missing, fetchErr = e.client.UnitDetails(ctx, category, kind, detailIDs)
			return fetchErr
		})
		if err != nil {
			return stats, fmt.Errorf("failed to fetch %s details: %w", kind, err)
		}
		if len(fetched) == 0 && len(missing) == 0 {
			logger.Warn("remote returned nothing for pending obligations",
				zap.Int("requested", len(detailIDs)))
			break
		}

		resolved, missed, err := e.applyDetailChunk(ctx, category, kind, table, keyColumn, fetched, missing, unitByDetail, logger)
		if err != nil {
			return stats, err
		}
		if resolved+missed == 0 {
			logger.Warn("no obligation could be resolved from the returned data",
				zap.Int("fetched", len(fetched)))
			break
		}

		stats.Fetched += resolved
		stats.Missed += missed
		consumed += resolved + missed
		metrics.CounterObligationsResolved.WithLabelValues("fetched").Add(float64(resolved))
		metrics.CounterObligationsResolved.WithLabelValues("missed").Add(float64(missed))
	}

	logger.Info("drain finished",
		zap.Int("fetched", stats.Fetched),
		zap.Int("missed", stats.Missed),
		zap.Int("iterations", stats.Iterations))
	return stats, nil
}

// applyDetailChunk merges fetched detail records and settles their
// obligations inside a single transaction. Ids the remote reported as
// unresolvable are logged as missed fetches and removed from the queue;
// they are not requeued.
func (e *syncEngine) applyDetailChunk(ctx context.Context, category models.Category, kind models.DataKind, table, keyColumn string, fetched []models.RawRecord, missing []string, unitByDetail map[string]string, logger *zap.Logger) (resolved, missed int, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	obligations := repositories.NewObligationRepository(tx, e.db.Dialect)

	mergedIDs := make([]string, 0, len(fetched))
	for _, raw := range fetched {
		detail := normalize.Detail(raw, nil)
		merged, err := e.mergeDetail(ctx, tx, table, keyColumn, detail, logger)
		if err != nil {
			return 0, 0, err
		}
		if !merged {
			continue
		}
		if id, ok := detail.StringField(keyColumn); ok {
			mergedIDs = append(mergedIDs, id)
		}
	}
	// Progress is measured by obligations removed, not records merged; a
	// merged record whose key matches no queued id must not count.
	removed, err := obligations.DeleteByDetailIDs(ctx, category, kind, mergedIDs)
	if err != nil {
		return 0, 0, err
	}

	if len(missing) > 0 {
		missedAt := e.now().UTC()
		rows := make([]*models.MissedFetch, 0, len(missing))
		for _, id := range missing {
			rows = append(rows, &models.MissedFetch{
				DetailID: id,
				UnitID:   unitByDetail[id],
				Category: category,
				DataKind: kind,
				MissedAt: missedAt,
			})
		}
		if err := obligations.RecordMissed(ctx, rows); err != nil {
			return 0, 0, err
		}
		if _, err := obligations.DeleteByDetailIDs(ctx, category, kind, missing); err != nil {
			return 0, 0, err
		}
		logger.Warn("remote could not resolve detail ids",
			zap.Int("count", len(missing)))
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit chunk: %w", err)
	}
	return int(removed), len(missing), nil
}

// mergeDetail upserts one detail record, widening the table when the
// record carries columns the table does not know yet and clearing values
// the store rejects. Returns false when the record itself cannot be
// stored; such records are skipped, not fatal.
func (e *syncEngine) mergeDetail(ctx context.Context, q database.Querier, table, keyColumn string, record models.RawRecord, logger *zap.Logger) (bool, error) {
	id, _ := record.StringField(keyColumn)

	// Each retry either adds a column or clears a value, so the attempts
	// are bounded by the record's width.
	for attempt := 0; attempt <= len(record)+1; attempt++ {
		err := e.adapter.Merge(ctx, q, table, keyColumn, record)
		if err == nil {
			return true, nil
		}

		if column, ok := e.adapter.MissingColumn(err); ok {
			if addErr := e.adapter.AddColumn(ctx, q, table, column); addErr != nil {
				return false, addErr
			}
			metrics.CounterColumnsAdded.Inc()
			continue
		}
		if column, ok := e.adapter.ValueViolation(err, record); ok && column != "" && column != keyColumn {
			logger.Warn("cleared rejected detail value",
				zap.String("id", id),
				zap.String("column", column))
			record[column] = nil
			continue
		}
		if _, ok := e.adapter.ValueViolation(err, record); ok {
			logger.Warn("dropped unstorable detail record",
				zap.String("id", id),
				zap.Error(err))
			return false, nil
		}
		return false, err
	}

	logger.Warn("dropped detail record after repeated rejections",
		zap.String("id", id))
	return false, nil
}

func (e *syncEngine) resolveCategories(requested []models.Category) ([]models.Category, error) {
	if len(requested) == 0 {
		return e.registry.Categories(), nil
	}
	for _, c := range requested {
		if _, ok := e.registry.LabelForCategory(c); !ok {
			return nil, fmt.Errorf("category %q: %w", c, apperrors.ErrUnknownCategory)
		}
	}
	return requested, nil
}
