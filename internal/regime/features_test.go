package regime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rsmolarz/marketctl/internal/priceseries"
)

func framesOf(closes ...float64) priceseries.Frame {
	f := make(priceseries.Frame, len(closes))
	for i, c := range closes {
		f[i] = priceseries.Bar{Close: c}
	}
	return f
}

func TestLoadFeaturesComputesReturnsAndChanges(t *testing.T) {
	src := priceseries.NewMemorySource()

	spy := make([]float64, featureLookback+1)
	for i := range spy {
		spy[i] = 100 + float64(i)
	}
	src.Set(SymbolSPY, framesOf(spy...))
	src.Set(SymbolVIX, framesOf(18.5))

	tenYear := make([]float64, featureLookback+1)
	for i := range tenYear {
		tenYear[i] = 4.0 + float64(i)*0.01
	}
	src.Set(Symbol10Y, framesOf(tenYear...))

	f := LoadFeatures(context.Background(), src)
	assert.Greater(t, f.SPYReturn20, 0.0)
	assert.Equal(t, 18.5, f.VIX)
	assert.Greater(t, f.Rate10Y20Change, 0.0)
	assert.Nil(t, f.Commodities20)
}

func TestLoadFeaturesDegradesOnMissingSymbols(t *testing.T) {
	src := priceseries.NewMemorySource()
	f := LoadFeatures(context.Background(), src)

	assert.Equal(t, 0.0, f.SPYReturn20)
	assert.Equal(t, 0.0, f.VIX)
	assert.Equal(t, 0.0, f.Rate10Y20Change)
	assert.Nil(t, f.Commodities20)
}

func TestLoadFeaturesDegradesOnShortSeries(t *testing.T) {
	src := priceseries.NewMemorySource()
	src.Set(SymbolSPY, framesOf(100, 101, 102))

	f := LoadFeatures(context.Background(), src)
	assert.Equal(t, 0.0, f.SPYReturn20)
}

func TestLoadFeaturesSetsCommoditiesWhenPresent(t *testing.T) {
	src := priceseries.NewMemorySource()
	commod := make([]float64, featureLookback+1)
	for i := range commod {
		commod[i] = 50 - float64(i)*0.1
	}
	src.Set(SymbolCommod, framesOf(commod...))

	f := LoadFeatures(context.Background(), src)
	if assert.NotNil(t, f.Commodities20) {
		assert.Less(t, *f.Commodities20, 0.0)
	}
}
