// Package locator ranks stations by great-circle distance from a user and
// formats the distance for display. It holds no state and is safe for
// concurrent use.
package locator

import (
	"fmt"
	"math"
	"sort"

	"github.com/example/evreserve/internal/reservation/domain"
)

const (
	earthRadiusKM = 6371.0
	milesPerKM    = 0.621371
	feetPerMile   = 5280.0
)

type Unit string

const (
	UnitFeet  Unit = "ft"
	UnitMiles Unit = "mi"
)

// Distance is a formatted display value, e.g. {5016, ft, "5016 ft"}.
type Distance struct {
	Value   string `json:"value"`
	Unit    Unit   `json:"unit"`
	Display string `json:"display"`
}

type StationWithDistance struct {
	domain.Station
	DistanceKM float64  `json:"distanceKm"`
	Distance   Distance `json:"distance"`
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b domain.Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

// FormatKilometers converts km to miles and formats them.
func FormatKilometers(km float64) Distance {
	return FormatMiles(km * milesPerKM)
}

// FormatMiles renders distances under one mile in whole feet, otherwise in
// miles with one decimal.
func FormatMiles(miles float64) Distance {
	if miles < 1 {
		v := fmt.Sprintf("%.0f", math.Round(miles*feetPerMile))
		return Distance{Value: v, Unit: UnitFeet, Display: v + " " + string(UnitFeet)}
	}
	v := fmt.Sprintf("%.1f", miles)
	return Distance{Value: v, Unit: UnitMiles, Display: v + " " + string(UnitMiles)}
}

// Rank returns stations ordered by ascending distance from origin. Equal
// distances keep catalog order. The input slice is not modified.
func Rank(origin domain.Coordinate, stations []domain.Station) []StationWithDistance {
	ranked := make([]StationWithDistance, 0, len(stations))
	for _, st := range stations {
		km := Haversine(origin, st.Location)
		ranked = append(ranked, StationWithDistance{
			Station:    st,
			DistanceKM: km,
			Distance:   FormatKilometers(km),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKM < ranked[j].DistanceKM
	})
	return ranked
}

// WithinRadius keeps stations no further than radiusKM from origin, in input
// order, stopping after limit matches when limit > 0.
func WithinRadius(origin domain.Coordinate, stations []domain.Station, radiusKM float64, limit int) []domain.Station {
	var res []domain.Station
	for _, st := range stations {
		if radiusKM > 0 && Haversine(origin, st.Location) > radiusKM {
			continue
		}
		res = append(res, st)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
