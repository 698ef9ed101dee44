package symbols_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/symbols"
	testdb "github.com/barwatch/barwatch/internal/testing"
)

func newRepo(t *testing.T) *symbols.Repository {
	t.Helper()

	db, cleanup := testdb.NewTestDB(t, "market")
	t.Cleanup(cleanup)

	return symbols.NewRepository(db, zerolog.Nop())
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	repo := newRepo(t)

	first, err := repo.GetOrCreate("aapl")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "AAPL", first.Ticker)
	assert.Equal(t, "equity", first.AssetType)

	second, err := repo.GetOrCreate("AAPL")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateRejectsEmptyTicker(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.GetOrCreate("   ")
	require.Error(t, err)
}

func TestGetByTickerUnknownReturnsNil(t *testing.T) {
	repo := newRepo(t)

	got, err := repo.GetByTicker("ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListOrdersByTicker(t *testing.T) {
	repo := newRepo(t)

	for _, ticker := range []string{"MSFT", "AAPL", "NVDA"} {
		_, err := repo.GetOrCreate(ticker)
		require.NoError(t, err)
	}

	all, err := repo.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "AAPL", all[0].Ticker)
	assert.Equal(t, "MSFT", all[1].Ticker)
	assert.Equal(t, "NVDA", all[2].Ticker)
}
