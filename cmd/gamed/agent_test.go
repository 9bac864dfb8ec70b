package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/config"
)

func TestSlotDefinitionsCarryMetadata(t *testing.T) {
	defs := slotDefinitions([]config.SlotConfig{
		{Suffix: "slot-1", MaxPlayers: 16, Metadata: map[string]string{"family": "bedwars", "variant": "four_four"}},
		{Suffix: "slot-2", MaxPlayers: 8},
	})

	require.Len(t, defs, 2)
	assert.Equal(t, "slot-1", defs[0].SlotSuffix)
	assert.Equal(t, 16, defs[0].MaxPlayers)
	// The pin survives into the registration payload so the dispatcher can
	// honor it during slot filtering.
	assert.Equal(t, map[string]string{"family": "bedwars", "variant": "four_four"}, defs[0].Metadata)
	assert.Nil(t, defs[1].Metadata)
}

func TestFamilyDescriptorsFromConfig(t *testing.T) {
	descriptors := familyDescriptors([]config.FamilyConfig{
		{FamilyID: "bedwars", VariantID: "four_four", MinPlayers: 2, MaxPlayers: 16, Factor: 12},
	})

	require.Len(t, descriptors, 1)
	assert.Equal(t, "bedwars", descriptors[0].FamilyID)
	assert.Equal(t, "four_four", descriptors[0].VariantID)
	assert.Equal(t, 12, descriptors[0].PlayerEquivalentFactor)
}
