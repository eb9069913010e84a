// Package relocation decides where a cage should move after an abnormal reading.
package relocation

import (
	"context"
	"errors"
	"math"

	"cagewatch/internal/config"
	"cagewatch/internal/domain"
)

var ErrNoSafeZone = errors.New("no safe zone available")

// Planner computes a RelocationTarget for a cage given its latest reading.
type Planner interface {
	Plan(ctx context.Context, cage domain.Cage, reading domain.Reading) (domain.RelocationTarget, error)
}

// Fixed always returns the same target.
type Fixed struct {
	Target domain.RelocationTarget
}

func (f Fixed) Plan(context.Context, domain.Cage, domain.Reading) (domain.RelocationTarget, error) {
	return f.Target, nil
}

type Zone struct {
	Name   string
	Target domain.RelocationTarget
}

// Nearest picks the closest safe zone that is at least MinDistanceKm away from
// the reported position, so a cage is never sent back to the water it is in.
type Nearest struct {
	Zones         []Zone
	MinDistanceKm float64
}

func (n Nearest) Plan(_ context.Context, _ domain.Cage, reading domain.Reading) (domain.RelocationTarget, error) {
	from := domain.RelocationTarget{Latitude: reading.Location.Latitude, Longitude: reading.Location.Longitude}
	best := -1
	bestDist := math.Inf(1)
	for i, z := range n.Zones {
		d := DistanceKm(from, z.Target)
		if d < n.MinDistanceKm {
			continue
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return domain.RelocationTarget{}, ErrNoSafeZone
	}
	return n.Zones[best].Target, nil
}

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(a, b domain.RelocationTarget) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(b.Latitude - a.Latitude)
	dLon := rad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Latitude))*math.Cos(rad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// DefaultTarget returns the configured fallback coordinate.
func DefaultTarget(cfg config.RelocationConfig) domain.RelocationTarget {
	return domain.RelocationTarget{Latitude: cfg.Default.Latitude, Longitude: cfg.Default.Longitude}
}

// FromConfig builds the planner selected by cfg.Strategy.
func FromConfig(cfg config.RelocationConfig) Planner {
	if cfg.Strategy != "nearest" {
		return Fixed{Target: DefaultTarget(cfg)}
	}
	zones := make([]Zone, 0, len(cfg.SafeZones))
	for _, z := range cfg.SafeZones {
		zones = append(zones, Zone{Name: z.Name, Target: domain.RelocationTarget{Latitude: z.Latitude, Longitude: z.Longitude}})
	}
	return Nearest{Zones: zones, MinDistanceKm: 0.5}
}
