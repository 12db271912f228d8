package compatibility

import (
	"testing"
	"time"

	"blood-request-engine/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleDonorTypes_UniversalRecipient(t *testing.T) {
	types := CompatibleDonorTypes(entity.ABPlus)

	assert.ElementsMatch(t, entity.AllBloodTypes, types)
}

func TestCompatibleDonorTypes_UniversalDonorRecipient(t *testing.T) {
	types := CompatibleDonorTypes(entity.OMinus)

	assert.Equal(t, []entity.BloodType{entity.OMinus}, types)
}

func TestCompatibleDonorTypes_Table(t *testing.T) {
	expectedCounts := map[entity.BloodType]int{
		entity.OMinus: 1, entity.OPlus: 2, entity.AMinus: 2, entity.APlus: 4,
		entity.BMinus: 2, entity.BPlus: 4, entity.ABMinus: 4, entity.ABPlus: 8,
	}

	for recipient, n := range expectedCounts {
		types := CompatibleDonorTypes(recipient)
		assert.Len(t, types, n, recipient)
		assert.Contains(t, types, entity.OMinus, "O- donates to %s", recipient)
		assert.Contains(t, types, recipient, "same type donates to %s", recipient)
	}

	// AB+ donors only give to AB+ recipients
	for _, recipient := range entity.AllBloodTypes {
		if recipient == entity.ABPlus {
			assert.Contains(t, CompatibleDonorTypes(recipient), entity.ABPlus)
		} else {
			assert.NotContains(t, CompatibleDonorTypes(recipient), entity.ABPlus, recipient)
		}
	}

	assert.NotContains(t, CompatibleDonorTypes(entity.BPlus), entity.APlus)
	assert.Contains(t, CompatibleDonorTypes(entity.ABMinus), entity.BMinus)
}

func TestCompatibleDonorTypes_UnknownAndCopy(t *testing.T) {
	assert.Nil(t, CompatibleDonorTypes("Z"))

	types := CompatibleDonorTypes(entity.OPlus)
	types[0] = entity.ABPlus
	assert.Equal(t, entity.OMinus, CompatibleDonorTypes(entity.OPlus)[0])
}

func TestDistanceKm(t *testing.T) {
	london := entity.Location{Lat: 51.5074, Lon: -0.1278}
	paris := entity.Location{Lat: 48.8566, Lon: 2.3522}

	assert.InDelta(t, 343.5, DistanceKm(london, paris), 2.0)
	assert.Zero(t, DistanceKm(london, london))
}

func TestRank(t *testing.T) {
	hospital := entity.Location{Lat: 10, Lon: 10}
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	candidates := []entity.Donor{
		{Id: "far", Location: entity.Location{Lat: 11, Lon: 11}},
		{Id: "near-newer", Location: hospital, LastDonationDate: &newer},
		{Id: "near-older", Location: hospital, LastDonationDate: &older},
		{Id: "near-never-b", Location: hospital},
		{Id: "near-never-a", Location: hospital},
	}

	ranked := Rank(candidates, hospital)

	require.Len(t, ranked, 5)
	ids := make([]string, 0, len(ranked))
	for _, d := range ranked {
		ids = append(ids, d.Id)
	}
	assert.Equal(t, []string{"near-never-a", "near-never-b", "near-older", "near-newer", "far"}, ids)
	assert.Equal(t, "far", candidates[0].Id, "input left untouched")
}
