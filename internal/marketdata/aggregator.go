// Package marketdata is the Market Data Router of spec §4.4: a per-
// instrument subscription registry, a bar aggregator promoting broker-
// native timeframes into strategy-native timeframes, and staleness/gap
// detection. It generalizes the teacher's subscription-registry idiom
// (internal/trading/market_data) into a single router driven once per
// Trade Manager loop iteration rather than by its own goroutines, keeping
// it inside the cooperative, no-blocking-I/O Trade Manager domain.
package marketdata

import (
	"time"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/domain"
)

// ValidateTimeframes rejects a strategy-native timeframe T that is not an
// even multiple of the broker-native timeframe B, resolving spec §9's
// open question: such a configuration MUST be rejected at Validate time.
func ValidateTimeframes(native, strategyTF time.Duration) error {
	if strategyTF < native || strategyTF%native != 0 {
		return apperrors.New(apperrors.CodeInvalidTimeframe, apperrors.SeverityWarning,
			"strategy timeframe must be a positive multiple of the broker-native timeframe", nil)
	}
	return nil
}

// aggregatorState accumulates one in-progress window for one instrument.
type aggregatorState struct {
	windowStart time.Time
	windowEnd   time.Time
	open        float64
	high        float64
	low         float64
	close       float64
	volume      float64
	haveData    bool
}

// windowStart truncates t to the start of its [w, w+T) window.
func windowStart(t time.Time, strategyTF time.Duration) time.Time {
	return t.Truncate(strategyTF)
}

// Aggregator promotes a stream of broker-native bars for one instrument
// into strategy-native bars, per the windowing rule of spec §4.4. It is a
// pure accumulator: feeding the same broker bars in the same order always
// yields the same aggregated output (the aggregation round-trip property
// of spec §8).
type Aggregator struct {
	strategyTF time.Duration
	state      aggregatorState
}

// NewAggregator builds an aggregator for the given strategy-native
// timeframe. Callers must validate timeframes with ValidateTimeframes
// first.
func NewAggregator(strategyTF time.Duration) *Aggregator {
	return &Aggregator{strategyTF: strategyTF}
}

// Feed applies one broker-native bar and returns one or two
// resulting strategy-native bars to deliver, in order: an optional closed
// bar completing the previous window, followed by the in-progress bar for
// the bar's own window.
func (a *Aggregator) Feed(native domain.Bar) []domain.Bar {
	w := windowStart(native.Timestamp, a.strategyTF)
	var out []domain.Bar

	if a.state.haveData && w.After(a.state.windowStart) {
		// This broker bar's timestamp has reached or passed w+T of the
		// current window: emit the completed bar, per spec §4.4.
		out = append(out, a.closedBar())
		a.state = aggregatorState{}
	}

	if !a.state.haveData {
		a.state = aggregatorState{
			windowStart: w,
			windowEnd:   w.Add(a.strategyTF),
			open:        native.Open,
			high:        native.High,
			low:         native.Low,
			close:       native.Close,
			volume:      native.Volume,
			haveData:    true,
		}
	} else {
		if native.High > a.state.high {
			a.state.high = native.High
		}
		if native.Low < a.state.low {
			a.state.low = native.Low
		}
		a.state.close = native.Close
		a.state.volume += native.Volume
	}

	out = append(out, a.inProgressBar())
	return out
}

func (a *Aggregator) closedBar() domain.Bar {
	return domain.Bar{
		Timestamp: a.state.windowEnd,
		Open:      a.state.open,
		High:      a.state.high,
		Low:       a.state.low,
		Close:     a.state.close,
		Volume:    a.state.volume,
		Closed:    true,
	}
}

func (a *Aggregator) inProgressBar() domain.Bar {
	return domain.Bar{
		Timestamp: a.state.windowStart,
		Open:      a.state.open,
		High:      a.state.high,
		Low:       a.state.low,
		Close:     a.state.close,
		Volume:    a.state.volume,
		Closed:    false,
	}
}

// Reset clears accumulated state, used when a resubscribe restarts
// aggregation for the current window without retrograde emission.
func (a *Aggregator) Reset() {
	a.state = aggregatorState{}
}
