// Package mastr defines the boundary to the remote registry API. The sync
// engine is written against Client; transport implementations (and their
// credentials) live with the embedding application.
package mastr

import (
	"context"
	"time"

	"github.com/unitgrid/mastr-engine/pkg/models"
)

// Client fetches registry data. Implementations must be safe for
// concurrent use; the engine calls them from one goroutine per category.
type Client interface {
	// BasicUnits returns one page of basic unit records for the category,
	// restricted to units modified at or after since (the zero time means
	// no restriction). startAt is the 1-based position within the remote
	// result set, limit the maximum page size. A short or empty page means
	// the result set is exhausted.
	BasicUnits(ctx context.Context, category models.Category, since time.Time, startAt, limit int) ([]models.RawRecord, error)

	// UnitDetails resolves detail records of one kind by their external
	// ids. Ids the remote side cannot resolve are returned in missing
	// rather than failing the batch; fetched records still carry the
	// remote call-status fields.
	UnitDetails(ctx context.Context, category models.Category, kind models.DataKind, detailIDs []string) (fetched []models.RawRecord, missing []string, err error)
}
