package gridsquare

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthotiles/internal/common"
	"orthotiles/internal/logger"
	"orthotiles/internal/store"
	"orthotiles/internal/tiles"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir(), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s, logger.Nop())
}

func wellington() GridSquare {
	return GridSquare{Name: "Wellington", NorthLat: -41.2, SouthLat: -41.4, EastLon: 174.9, WestLon: 174.7, Level: 9}
}

func TestCreate_AssignsIDAndMarksFixed(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	gs := wellington()
	require.NoError(t, r.Create(ctx, &gs))
	assert.NotZero(t, gs.ID)
	assert.True(t, gs.Fixed)

	got, err := r.Get(ctx, gs.ID)
	require.NoError(t, err)
	assert.Equal(t, gs, got)
}

func TestCreate_DuplicateName(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	first := wellington()
	require.NoError(t, r.Create(ctx, &first))

	second := wellington()
	second.NorthLat = -40
	err := r.Create(ctx, &second)
	assert.ErrorIs(t, err, common.ErrDuplicateName)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreate_InvalidBounds(t *testing.T) {
	r := newRegistry(t)
	gs := wellington()
	gs.NorthLat, gs.SouthLat = gs.SouthLat, gs.NorthLat
	assert.ErrorIs(t, r.Create(context.Background(), &gs), common.ErrInvalidBounds)

	gs = wellington()
	gs.Name = "  "
	assert.Error(t, r.Create(context.Background(), &gs))
}

func TestFindAndList(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"Taupo", "Auckland", "Nelson"} {
		gs := wellington()
		gs.Name = name
		require.NoError(t, r.Create(ctx, &gs))
	}

	got, err := r.Find(ctx, "Nelson")
	require.NoError(t, err)
	assert.Equal(t, "Nelson", got.Name)

	_, err = r.Find(ctx, "Dunedin")
	assert.ErrorIs(t, err, common.ErrNotFound)

	all, err := r.List(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(all))
	for _, gs := range all {
		names = append(names, gs.Name)
	}
	assert.Equal(t, []string{"Auckland", "Nelson", "Taupo"}, names)
}

func TestUpdate(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	gs := wellington()
	require.NoError(t, r.Create(ctx, &gs))
	other := wellington()
	other.Name = "Hutt"
	require.NoError(t, r.Create(ctx, &other))

	gs.Name = "Wellington Harbour"
	gs.Level = 12
	gs.Fixed = false
	require.NoError(t, r.Update(ctx, gs))

	got, err := r.Get(ctx, gs.ID)
	require.NoError(t, err)
	assert.Equal(t, "Wellington Harbour", got.Name)
	assert.Equal(t, 12, got.Level)
	assert.False(t, got.Fixed)

	gs.Name = "Hutt"
	assert.ErrorIs(t, r.Update(ctx, gs), common.ErrDuplicateName)

	missing := wellington()
	missing.ID = 9999
	assert.ErrorIs(t, r.Update(ctx, missing), common.ErrNotFound)
}

func TestDelete(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	gs := wellington()
	require.NoError(t, r.Create(ctx, &gs))
	require.NoError(t, r.Delete(ctx, gs.ID))

	_, err := r.Get(ctx, gs.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, gs.ID), common.ErrNotFound)
}

func TestDeleteByName_Idempotent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	gs := wellington()
	require.NoError(t, r.Create(ctx, &gs))
	require.NoError(t, r.DeleteByName(ctx, "Wellington"))
	require.NoError(t, r.DeleteByName(ctx, "Wellington"))

	_, err := r.Find(ctx, "Wellington")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEnsureDerived(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	lat, lon := -41.29, 174.78

	gs, err := r.EnsureDerived(ctx, lat, lon, 9)
	require.NoError(t, err)
	assert.False(t, gs.Fixed)
	assert.Equal(t, 9, gs.Level)
	assert.True(t, gs.Bounds().Contains(lat, lon))

	x, y, err := tiles.TileIndexForPoint(lat, lon, 9, common.SchemeGoogle)
	require.NoError(t, err)
	assert.Equal(t, DerivedName(9, x, y), gs.Name)

	again, err := r.EnsureDerived(ctx, lat, lon, 9)
	require.NoError(t, err)
	assert.Equal(t, gs.ID, again.ID)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureDerived_RejectsInvalidPoint(t *testing.T) {
	r := newRegistry(t)
	_, err := r.EnsureDerived(context.Background(), 89.9, 0, 9)
	assert.ErrorIs(t, err, common.ErrOutOfProjectionRange)
}
