package marketdata

import (
	talib "github.com/markcheno/go-talib"
)

// indicatorLookback covers MA200 plus RSI warmup
const indicatorLookback = 250

// ComputeIndicators derives MA50, MA200, and RSI(14) from stored closes.
// Indicators with insufficient history come back nil.
func (s *Service) ComputeIndicators(symbol string) (*Indicators, error) {
	closes, err := s.repo.ClosesAsc(symbol, indicatorLookback)
	if err != nil {
		return nil, err
	}

	ind := &Indicators{Symbol: symbol}
	if len(closes) >= 50 {
		ind.MA50 = round2(last(talib.Sma(closes, 50)))
	}
	if len(closes) >= 200 {
		ind.MA200 = round2(last(talib.Sma(closes, 200)))
	}
	if len(closes) >= 15 {
		ind.RSI = round2(last(talib.Rsi(closes, 14)))
	}
	return ind, nil
}

func last(series []float64) float64 {
	return series[len(series)-1]
}

func round2(v float64) *float64 {
	r := float64(int(v*100+0.5)) / 100
	return &r
}
