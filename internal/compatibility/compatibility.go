package compatibility

import (
	"math"
	"sort"

	"blood-request-engine/internal/entity"
)

// recipient -> donor types that are safe to transfuse (red cells, ABO/Rh)
var donorsFor = map[entity.BloodType][]entity.BloodType{
	entity.OMinus:  {entity.OMinus},
	entity.OPlus:   {entity.OMinus, entity.OPlus},
	entity.AMinus:  {entity.OMinus, entity.AMinus},
	entity.APlus:   {entity.OMinus, entity.OPlus, entity.AMinus, entity.APlus},
	entity.BMinus:  {entity.OMinus, entity.BMinus},
	entity.BPlus:   {entity.OMinus, entity.OPlus, entity.BMinus, entity.BPlus},
	entity.ABMinus: {entity.OMinus, entity.AMinus, entity.BMinus, entity.ABMinus},
	entity.ABPlus: {
		entity.OMinus, entity.OPlus, entity.AMinus, entity.APlus,
		entity.BMinus, entity.BPlus, entity.ABMinus, entity.ABPlus,
	},
}

// CompatibleDonorTypes returns a copy of the table row, nil for an unknown type.
func CompatibleDonorTypes(recipient entity.BloodType) []entity.BloodType {
	row, ok := donorsFor[recipient]
	if !ok {
		return nil
	}

	return append([]entity.BloodType(nil), row...)
}

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b entity.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Rank orders candidates by distance to the request, then by earliest last
// donation (never donated first), then by id. The input slice is not modified.
func Rank(candidates []entity.Donor, requestLocation entity.Location) []entity.Donor {
	type ranked struct {
		donor    entity.Donor
		distance float64
	}

	rs := make([]ranked, len(candidates))
	for i, d := range candidates {
		rs[i] = ranked{donor: d, distance: DistanceKm(requestLocation, d.Location)}
	}

	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}

		la, lb := a.donor.LastDonationDate, b.donor.LastDonationDate
		switch {
		case la == nil && lb != nil:
			return true
		case la != nil && lb == nil:
			return false
		case la != nil && lb != nil && !la.Equal(*lb):
			return la.Before(*lb)
		}

		return a.donor.Id < b.donor.Id
	})

	out := make([]entity.Donor, len(rs))
	for i := range rs {
		out[i] = rs[i].donor
	}

	return out
}
