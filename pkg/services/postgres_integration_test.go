//go:build integration

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/schema"
	"github.com/unitgrid/mastr-engine/pkg/testhelpers"
)

// SQLite column affinity accepts almost any text, so the bad-value path only
// fires against Postgres. This covers the neutralize-and-retry loop end to end.
func TestLoad_PostgresNeutralizesBadValue(t *testing.T) {
	db := testhelpers.NewPostgresTestDB(t)
	loader, err := NewBulkLoader(db, schema.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	archive := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenSolar_1.xml": exportXML("EinheitenSolar",
			map[string]string{
				"EinheitMastrNummer": "SEE100",
				"Bruttoleistung":     "zehn",
				"Bundesland":         "Bayern",
			},
			map[string]string{
				"EinheitMastrNummer": "SEE200",
				"Bruttoleistung":     "12.5",
			},
		),
	})

	result, err := loader.Load(context.Background(), archive, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Written)
	assert.Equal(t, 1, result.Neutralized)
	assert.Equal(t, 0, result.Dropped)

	ctx := context.Background()
	var power *float64
	var state *string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT "Bruttoleistung", "Bundesland" FROM solar_extended WHERE "EinheitMastrNummer" = $1`,
		"SEE100").Scan(&power, &state))
	assert.Nil(t, power, "unparseable power should have been cleared")
	require.NotNil(t, state)
	assert.Equal(t, "Bayern", *state)
}

// The server rejects one value at a time, so a record with several bad
// values needs one clearing pass per column before it stores.
func TestLoad_PostgresNeutralizesEveryBadColumn(t *testing.T) {
	db := testhelpers.NewPostgresTestDB(t)
	loader, err := NewBulkLoader(db, schema.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	archive := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenWind_1.xml": exportXML("EinheitenWind",
			map[string]string{
				"EinheitMastrNummer": "SEE300",
				"Bruttoleistung":     "zehn",
				"Nabenhoehe":         "hoch",
				"Hersteller":         "Windbau GmbH",
			},
		),
	})

	result, err := loader.Load(context.Background(), archive, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)
	assert.Equal(t, 1, result.Neutralized, "the record counts once however many values were cleared")
	assert.Equal(t, 0, result.Dropped)

	var gross, hub *float64
	var maker *string
	require.NoError(t, db.QueryRowContext(context.Background(),
		`SELECT "Bruttoleistung", "Nabenhoehe", "Hersteller" FROM wind_extended WHERE "EinheitMastrNummer" = $1`,
		"SEE300").Scan(&gross, &hub, &maker))
	assert.Nil(t, gross)
	assert.Nil(t, hub)
	require.NotNil(t, maker)
	assert.Equal(t, "Windbau GmbH", *maker)
}
