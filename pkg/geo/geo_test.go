package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm(t *testing.T) {
	// San Jose to Tokyo, roughly 8300 km.
	d := DistanceKm(37.33, -121.89, 35.68, 139.69)
	assert.InDelta(t, 8300, d, 100)

	assert.Zero(t, DistanceKm(37.33, -121.89, 37.33, -121.89))
}

func TestStaticResolverLookup(t *testing.T) {
	resolver := NewStaticResolver(map[string]Location{
		"1.2.3.4": {Country: "US", Region: "CA", City: "San Jose"},
	})

	loc, err := resolver.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, loc.Known)
	assert.Equal(t, "1.2.3.4", loc.IP)
	assert.Equal(t, "US", loc.Country)

	_, err = resolver.Lookup(context.Background(), "9.9.9.9")
	assert.ErrorIs(t, err, ErrUnknownIP)
}

func TestChangeRiskUnknownBaseline(t *testing.T) {
	assert.Equal(t, 10, ChangeRisk(Location{}, Location{Known: true}))
	assert.Equal(t, 10, ChangeRisk(Location{Known: true}, Location{}))
}

func TestChangeRiskGranularity(t *testing.T) {
	base := Location{Known: true, Country: "US", Region: "CA", City: "San Jose"}

	sameCity := base
	assert.Equal(t, 0, ChangeRisk(base, sameCity))

	cityMove := base
	cityMove.City = "San Francisco"
	assert.Equal(t, 15, ChangeRisk(base, cityMove))

	regionMove := base
	regionMove.Region = "NY"
	regionMove.City = "New York"
	assert.Equal(t, 30, ChangeRisk(base, regionMove))

	countryMove := Location{Known: true, Country: "DE", Region: "BE", City: "Berlin"}
	assert.Equal(t, 60, ChangeRisk(base, countryMove))
}

func TestChangeRiskRelayPenalty(t *testing.T) {
	base := Location{Known: true, Country: "US", Region: "CA", City: "San Jose"}

	relay := Location{Known: true, Country: "RU", RiskCategory: "tor_exit"}
	assert.Equal(t, 100, ChangeRisk(base, relay))

	hosting := base
	hosting.RiskCategory = "hosting_provider"
	assert.Equal(t, 20, ChangeRisk(base, hosting))
}

func TestChangeRiskClamps(t *testing.T) {
	base := Location{Known: true, Country: "US"}
	worst := Location{Known: true, Country: "RU", RiskCategory: "open_proxy", RiskScore: 100}
	assert.Equal(t, 100, ChangeRisk(base, worst))
}

func TestIsPrivate(t *testing.T) {
	assert.True(t, IsPrivate("127.0.0.1"))
	assert.True(t, IsPrivate("10.0.0.5"))
	assert.True(t, IsPrivate("192.168.1.1"))
	assert.False(t, IsPrivate("8.8.8.8"))
	assert.False(t, IsPrivate("not-an-ip"))
}
