package catalog_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/evreserve/internal/station/catalog"
)

const seedYAML = `
stations:
  - id: metrotown
    name: Metrotown Level P2
    address: 4700 Kingsway, Burnaby
    location: {lat: 49.2276, lng: -123.0076}
    connectors:
      - {type: CCS, power_kw: 50, price_per_kwh: 0.35}
      - {type: J1772, power_kw: 7.2, price_per_kwh: 0.2}
  - id: brentwood
    name: Brentwood Town Centre
    location: {lat: 49.2669, lng: -123.0003}
    connectors:
      - {type: CHAdeMO, power_kw: 50, price_per_kwh: 0.3}
`

func TestReadSeed(t *testing.T) {
	stations, err := catalog.ReadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, stations, 2)
	require.Equal(t, "metrotown", stations[0].ID)
	require.Equal(t, 49.2276, stations[0].Location.Lat)
	require.Equal(t, 0.35, stations[0].Connectors[0].PricePerKWh)
	require.Equal(t, 1, stations[0].ConnectorCount("J1772"))

	empty, err := catalog.ReadSeed(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = catalog.ReadSeed(strings.NewReader("stations:\n  - id: x\n    colour: red\n"))
	require.Error(t, err)
}

func TestSeedUpsertsIntoCatalog(t *testing.T) {
	stations, err := catalog.ReadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	cat := catalog.NewMemoryCatalog()
	n, err := catalog.Seed(context.Background(), cat, stations)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := cat.Get(context.Background(), "brentwood")
	require.NoError(t, err)
	require.Equal(t, "Brentwood Town Centre", got.Name)

	stations[1].ID = ""
	n, err = catalog.Seed(context.Background(), catalog.NewMemoryCatalog(), stations)
	require.Error(t, err)
	require.Equal(t, 1, n)
}
