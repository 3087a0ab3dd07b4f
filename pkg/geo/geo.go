package geo

import (
	"context"
	"errors"
	"math"
	"net"
)

// ErrUnknownIP indicates the resolver has no data for an address.
// Callers treat it as a low-confidence result, not a hard failure.
var ErrUnknownIP = errors.New("geo: unknown ip")

// Location describes the approximate origin of an ip address.
// Known distinguishes "lookup succeeded" from a zero value, so callers
// can choose fail-open or fail-closed deliberately.
type Location struct {
	IP           string  `json:"ip,omitempty"`
	Country      string  `json:"country,omitempty"`
	Region       string  `json:"region,omitempty"`
	City         string  `json:"city,omitempty"`
	Latitude     float64 `json:"lat,omitempty"`
	Longitude    float64 `json:"lon,omitempty"`
	RiskCategory string  `json:"risk_category,omitempty"`
	RiskScore    int     `json:"risk_score,omitempty"`
	Known        bool    `json:"known,omitempty"`
}

// Resolver maps an ip address to an approximate location. Lookups are
// best-effort for descriptive fields; implementations should return
// ErrUnknownIP rather than fabricating coordinates.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// StaticResolver serves lookups from a fixed table. Suitable for tests
// and for deployments that sideload a snapshot of their geo database.
type StaticResolver struct {
	entries map[string]Location
}

// NewStaticResolver builds a resolver over the provided table.
func NewStaticResolver(entries map[string]Location) *StaticResolver {
	if entries == nil {
		entries = make(map[string]Location)
	}
	return &StaticResolver{entries: entries}
}

func (r *StaticResolver) Lookup(_ context.Context, ip string) (Location, error) {
	loc, ok := r.entries[ip]
	if !ok {
		return Location{IP: ip}, ErrUnknownIP
	}
	loc.IP = ip
	loc.Known = true
	return loc, nil
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two coordinates.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// ChangeRisk scores an ip relocation between two known locations on a
// 0-100 scale. Granularity of the change (country > region > city)
// dominates; known risk categories such as anonymizing relays add on
// top.
func ChangeRisk(old, current Location) int {
	if !old.Known || !current.Known {
		return 10
	}

	score := 0
	switch {
	case old.Country != current.Country:
		score += 60
	case old.Region != current.Region:
		score += 30
	case old.City != current.City:
		score += 15
	}

	switch current.RiskCategory {
	case "anonymizing_relay", "tor_exit", "open_proxy":
		score += 40
	case "hosting_provider":
		score += 20
	}

	score += current.RiskScore / 4

	if score > 100 {
		score = 100
	}
	return score
}

// IsPrivate reports whether an address belongs to a loopback or
// RFC1918/RFC4193 range.
func IsPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate()
}
