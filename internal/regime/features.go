package regime

import (
	"context"

	"github.com/rsmolarz/marketctl/internal/priceseries"
)

// Feature symbols the classifier reads from the shared price-series
// contract (spec.md §6); VIX and the 10Y yield are modeled as ordinary
// symbols in the same Source so the core never special-cases a data
// vendor.
const (
	SymbolSPY    = "SPY"
	SymbolVIX    = "VIX"
	Symbol10Y    = "US10Y"
	SymbolCommod = "DBC"
)

const featureLookback = 20

// LoadFeatures computes spec.md §4.E's Features from the configured
// price-series source. A missing or short series degrades that feature
// to its zero value rather than failing the whole classification — VIX
// absent simply never triggers the vol_spike rules.
func LoadFeatures(ctx context.Context, src priceseries.Source) Features {
	var f Features
	f.SPYReturn20 = periodReturn(ctx, src, SymbolSPY)
	if last, ok := lastClose(ctx, src, SymbolVIX); ok {
		f.VIX = last
	}
	f.Rate10Y20Change = periodChange(ctx, src, Symbol10Y)
	if ret, ok := periodReturnOK(ctx, src, SymbolCommod); ok {
		f.Commodities20 = &ret
	}
	return f
}

func lastClose(ctx context.Context, src priceseries.Source, symbol string) (float64, bool) {
	frame, err := src.LoadSymbolFrame(ctx, symbol)
	if err != nil {
		return 0, false
	}
	return frame.Last()
}

func periodReturn(ctx context.Context, src priceseries.Source, symbol string) float64 {
	v, _ := periodReturnOK(ctx, src, symbol)
	return v
}

func periodReturnOK(ctx context.Context, src priceseries.Source, symbol string) (float64, bool) {
	frame, err := src.LoadSymbolFrame(ctx, symbol)
	if err != nil || len(frame) < featureLookback+1 {
		return 0, false
	}
	start := frame[len(frame)-featureLookback-1].Close
	end := frame[len(frame)-1].Close
	if start == 0 {
		return 0, false
	}
	return (end - start) / start, true
}

func periodChange(ctx context.Context, src priceseries.Source, symbol string) float64 {
	frame, err := src.LoadSymbolFrame(ctx, symbol)
	if err != nil || len(frame) < featureLookback+1 {
		return 0
	}
	start := frame[len(frame)-featureLookback-1].Close
	end := frame[len(frame)-1].Close
	return end - start
}
