package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/core"
)

func TestLookupUnknownFamily(t *testing.T) {
	c := NewFamilyCache()
	candidates, known := c.Lookup("skywars", "")
	assert.False(t, known)
	assert.Empty(t, candidates)
}

func TestAdvertiseAndLookup(t *testing.T) {
	c := NewFamilyCache()
	c.Advertise("game-1", []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", VariantID: "solo", PlayerEquivalentFactor: 10},
	})
	c.Advertise("game-2", []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", VariantID: "teams", PlayerEquivalentFactor: 10},
		{FamilyID: "bedwars", PlayerEquivalentFactor: 12},
	})

	// Variant-less lookup spans all variants.
	candidates, known := c.Lookup("skywars", "")
	require.True(t, known)
	assert.ElementsMatch(t, []string{"game-1", "game-2"}, candidates)

	// Explicit variant restricts to exact advertisers.
	candidates, known = c.Lookup("skywars", "solo")
	require.True(t, known)
	assert.Equal(t, []string{"game-1"}, candidates)

	// Unknown variant of a known family: family known, zero candidates.
	candidates, known = c.Lookup("skywars", "ranked")
	assert.True(t, known)
	assert.Empty(t, candidates)
}

func TestVariantlessFamilyIgnoresRequestedVariant(t *testing.T) {
	c := NewFamilyCache()
	c.Advertise("game-1", []core.SlotFamilyDescriptor{
		{FamilyID: "bedwars", PlayerEquivalentFactor: 10},
	})

	// No backend advertises explicit variants, so the requested variant does
	// not restrict.
	candidates, known := c.Lookup("bedwars", "quads")
	require.True(t, known)
	assert.Equal(t, []string{"game-1"}, candidates)
}

func TestReAdvertiseReplacesPrevious(t *testing.T) {
	c := NewFamilyCache()
	c.Advertise("game-1", []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", PlayerEquivalentFactor: 10},
	})
	c.Advertise("game-1", []core.SlotFamilyDescriptor{
		{FamilyID: "bedwars", PlayerEquivalentFactor: 10},
	})

	_, known := c.Lookup("skywars", "")
	assert.False(t, known)
	candidates, known := c.Lookup("bedwars", "")
	require.True(t, known)
	assert.Equal(t, []string{"game-1"}, candidates)
}

func TestRemoveServerPrunesEmptyFamilies(t *testing.T) {
	c := NewFamilyCache()
	c.Advertise("game-1", []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", VariantID: "solo", PlayerEquivalentFactor: 10},
	})
	c.Advertise("game-2", []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", VariantID: "solo", PlayerEquivalentFactor: 10},
	})

	c.RemoveServer("game-1")
	candidates, known := c.Lookup("skywars", "solo")
	require.True(t, known)
	assert.Equal(t, []string{"game-2"}, candidates)

	c.RemoveServer("game-2")
	_, known = c.Lookup("skywars", "solo")
	assert.False(t, known)
	assert.Empty(t, c.Families())
}

func TestDescriptorFallsBackToVariantless(t *testing.T) {
	c := NewFamilyCache()
	c.Advertise("game-1", []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", PlayerEquivalentFactor: 14},
		{FamilyID: "skywars", VariantID: "solo", PlayerEquivalentFactor: 8},
	})

	d, ok := c.Descriptor("skywars", "solo")
	require.True(t, ok)
	assert.Equal(t, 8, d.Factor())

	// No descriptor for the variant: variant-less one answers.
	d, ok = c.Descriptor("skywars", "teams")
	require.True(t, ok)
	assert.Equal(t, 14, d.Factor())

	_, ok = c.Descriptor("bedwars", "")
	assert.False(t, ok)
}

func TestFactorClamping(t *testing.T) {
	assert.Equal(t, 1, core.SlotFamilyDescriptor{PlayerEquivalentFactor: 0}.Factor())
	assert.Equal(t, 1, core.SlotFamilyDescriptor{PlayerEquivalentFactor: -5}.Factor())
	assert.Equal(t, 7, core.SlotFamilyDescriptor{PlayerEquivalentFactor: 7}.Factor())
}

func TestSyncFromRegistry(t *testing.T) {
	c := NewFamilyCache()
	c.SyncFromRegistry([]*core.ServerRecord{
		{
			Identity: core.Identity{ID: "game-1"},
			Families: []core.SlotFamilyDescriptor{{FamilyID: "skywars", PlayerEquivalentFactor: 10}},
		},
		{Identity: core.Identity{ID: "game-2"}}, // no families, skipped
	})

	candidates, known := c.Lookup("skywars", "")
	require.True(t, known)
	assert.Equal(t, []string{"game-1"}, candidates)
}
