package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/archive"
	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/metrics"
	"github.com/unitgrid/mastr-engine/pkg/models"
	"github.com/unitgrid/mastr-engine/pkg/normalize"
	"github.com/unitgrid/mastr-engine/pkg/schema"
	"github.com/unitgrid/mastr-engine/pkg/store"
)

// LoadOptions controls one bulk load.
type LoadOptions struct {
	// Sources restricts the load to these source keys (lowercased file
	// prefixes, e.g. "einheitensolar"); empty means every known source.
	Sources []string
}

// LoadResult summarizes one bulk load.
type LoadResult struct {
	// Files is the number of data files written to the store.
	Files int
	// Written, Neutralized and Dropped count rows: stored, stored after
	// clearing a rejected value, and given up on.
	Written     int
	Neutralized int
	Dropped     int
	// Repairs counts XML repairs across all files.
	Repairs int
	// Tables maps each target table to the rows written into it.
	Tables map[string]int
	// Cleared lists tables whose previous contents were replaced.
	Cleared []string
	// ColumnsAdded lists table-qualified columns created during the load.
	ColumnsAdded []string
	// SkippedUnknown lists entries whose prefix no source maps.
	SkippedUnknown []string
}

// BulkLoader replaces table contents from the registry's zip export. The
// first file of each source clears its target table, so a load is a full
// snapshot replacement per source.
type BulkLoader interface {
	Load(ctx context.Context, archivePath string, opts LoadOptions) (*LoadResult, error)
}

type bulkLoader struct {
	db       *database.DB
	registry *schema.Registry
	adapter  *store.Adapter
	logger   *zap.Logger
}

// NewBulkLoader creates a BulkLoader.
func NewBulkLoader(db *database.DB, registry *schema.Registry, logger *zap.Logger) (BulkLoader, error) {
	adapter, err := store.NewAdapter(db.Dialect, logger)
	if err != nil {
		return nil, err
	}
	return &bulkLoader{
		db:       db,
		registry: registry,
		adapter:  adapter,
		logger:   logger.Named("bulk"),
	}, nil
}

// fileWork is one archive entry scheduled for loading.
type fileWork struct {
	name   string
	source string
	seq    int
	table  string
}

func (l *bulkLoader) Load(ctx context.Context, archivePath string, opts LoadOptions) (*LoadResult, error) {
	a, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	logger := l.logger.With(zap.String("run", uuid.NewString()))

	result := &LoadResult{Tables: make(map[string]int)}
	work := l.plan(logger, a.Entries(), opts, result)

	// Runtime column additions are remembered per run; hitting the same
	// missing column twice means the addition did not take effect and the
	// load must not loop on it.
	added := make(map[string]bool)

	for _, w := range work {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := l.loadFile(ctx, logger, a, w, added, result); err != nil {
			return result, fmt.Errorf("failed to load %s: %w", w.name, err)
		}
		result.Files++
	}

	logger.Info("bulk load finished",
		zap.Int("files", result.Files),
		zap.Int("written", result.Written),
		zap.Int("neutralized", result.Neutralized),
		zap.Int("dropped", result.Dropped),
		zap.Int("repairs", result.Repairs),
		zap.Strings("skipped_unknown", result.SkippedUnknown))
	return result, nil
}

// plan resolves archive entries to load work, ordered by source and file
// sequence so each source's first file runs its table replacement before
// the later files append.
func (l *bulkLoader) plan(logger *zap.Logger, entries []string, opts LoadOptions, result *LoadResult) []fileWork {
	include := make(map[string]bool, len(opts.Sources))
	for _, s := range opts.Sources {
		include[strings.ToLower(s)] = true
	}

	var work []fileWork
	for _, name := range entries {
		source, seq := schema.SourceFromFilename(name)
		if l.registry.Ignored(source) {
			logger.Debug("skipping auxiliary file", zap.String("file", name))
			continue
		}
		if len(include) > 0 && !include[source] {
			continue
		}
		table, ok := l.registry.BulkTarget(source)
		if !ok {
			logger.Warn("skipping file with unknown prefix",
				zap.String("file", name),
				zap.String("source", source))
			result.SkippedUnknown = append(result.SkippedUnknown, name)
			continue
		}
		work = append(work, fileWork{name: name, source: source, seq: seq, table: table})
	}

	sort.Slice(work, func(i, j int) bool {
		if work[i].source != work[j].source {
			return work[i].source < work[j].source
		}
		if work[i].seq != work[j].seq {
			return work[i].seq < work[j].seq
		}
		return work[i].name < work[j].name
	})
	return work
}

// loadFile writes one archive entry into its target table inside a single
// transaction. When the table is missing a column the transaction is
// rolled back, the column added, and the whole file replayed, so a file
// is always stored completely or not at all.
func (l *bulkLoader) loadFile(ctx context.Context, logger *zap.Logger, a *archive.Archive, w fileWork, added map[string]bool, result *LoadResult) error {
	logger = logger.With(zap.String("file", w.name), zap.String("table", w.table))

	raw, repairs, err := a.Rows(w.name)
	if err != nil {
		return err
	}
	if repairs > 0 {
		logger.Warn("repaired malformed XML", zap.Int("repairs", repairs))
		result.Repairs += repairs
		metrics.CounterXMLRepairs.Add(float64(repairs))
	}

	renames := l.registry.Renames(w.source)
	rows := make([]models.RawRecord, len(raw))
	for i, r := range raw {
		rows[i] = normalize.Detail(r, renames)
	}

	for {
		written, neutralized, dropped, err := l.writeFile(ctx, w, rows, logger)
		if err == nil {
			result.Written += written
			result.Neutralized += neutralized
			result.Dropped += dropped
			result.Tables[w.table] += written
			if w.seq == 1 {
				result.Cleared = append(result.Cleared, w.table)
			}
			metrics.CounterRowsWritten.WithLabelValues(w.table).Add(float64(written))
			logger.Info("loaded file",
				zap.Int("rows", written),
				zap.Int("neutralized", neutralized),
				zap.Int("dropped", dropped))
			return nil
		}

		var missing *store.MissingColumnError
		if !errors.As(err, &missing) {
			return err
		}
		key := missing.Table + "." + missing.Column
		if added[key] {
			return fmt.Errorf("column %q still missing after adding it: %w", missing.Column, err)
		}
		if err := l.adapter.AddColumn(ctx, l.db, missing.Table, missing.Column); err != nil {
			return err
		}
		added[key] = true
		result.ColumnsAdded = append(result.ColumnsAdded, key)
		metrics.CounterColumnsAdded.Inc()
	}
}

func (l *bulkLoader) writeFile(ctx context.Context, w fileWork, rows []models.RawRecord, logger *zap.Logger) (written, neutralized, dropped int, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if w.seq == 1 {
		removed, err := l.adapter.DeleteAll(ctx, tx, w.table)
		if err != nil {
			return 0, 0, 0, err
		}
		if removed > 0 {
			logger.Info("replacing table contents", zap.Int64("removed", removed))
		}
	}

	report, err := l.adapter.InsertMany(ctx, tx, w.table, rows)
	if err != nil {
		return 0, 0, 0, err
	}
	written = report.Written

	// Rows rejected over a single value get that value cleared and another
	// try, one column per pass. A record cannot need more passes than it
	// has fields, so the pass count bounds the loop.
	pending := report.Failed
	for pass := 1; len(pending) > 0; pass++ {
		var resubmit []models.RawRecord
		for _, f := range pending {
			if f.Kind == store.FaultBadValue && f.Column != "" && pass <= len(f.Row) {
				cleared := f.Row.Clone()
				cleared[f.Column] = nil
				resubmit = append(resubmit, cleared)
				logger.Warn("cleared rejected value",
					zap.String("column", f.Column),
					zap.String("value", f.Value))
				continue
			}
			dropped++
			metrics.CounterRowsFailed.WithLabelValues(string(f.Kind)).Inc()
			logger.Warn("dropped row", zap.String("kind", string(f.Kind)), zap.Error(f.Err))
		}
		if len(resubmit) == 0 {
			break
		}
		again, err := l.adapter.InsertMany(ctx, tx, w.table, resubmit)
		if err != nil {
			return 0, 0, 0, err
		}
		written += again.Written
		neutralized += again.Written
		pending = again.Failed
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to commit file: %w", err)
	}
	return written, neutralized, dropped, nil
}
