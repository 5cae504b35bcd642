// Package meanreversion generalizes the teacher's Bollinger-band mean
// reversion strategy (internal/strategy/mean_reversion.go) from a hand
// rolled mean/variance loop to gonum.org/v1/gonum/stat, keeping the same
// z-score entry/exit rule and lookback-trim discipline.
package meanreversion

import (
	"encoding/json"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/strategy"
)

// ClassName is the registry key for this strategy.
const ClassName = "MEAN_REVERSION"

func init() {
	strategy.Register(ClassName, func() strategy.Strategy { return &Strategy{} })
}

// Params are the strategy's startup parameters.
type Params struct {
	LookbackPeriod    int     `json:"lookback_period"`
	DeviationThreshold float64 `json:"deviation_threshold"`
	PositionSize      float64 `json:"position_size"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
}

type state struct {
	Params   Params    `json:"params"`
	Prices   []float64 `json:"prices"`
	Quantity float64   `json:"quantity"`
}

func (s *state) Snapshot() ([]byte, error) { return json.Marshal(s) }

func (s *state) Restore(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, s)
}

// Strategy is the z-score mean-reversion strategy.
type Strategy struct {
	st state
}

func (s *Strategy) State() strategy.StateContainer { return &s.st }

func (s *Strategy) Init() error {
	s.st = state{}
	return nil
}

func (s *Strategy) Validate(params map[string]any, _ domain.Portfolio) bool {
	p, err := decodeParams(params)
	if err != nil {
		return false
	}
	return p.LookbackPeriod > 1 && p.DeviationThreshold > 0 && p.PositionSize > 0 && p.StopLossPercent > 0
}

func (s *Strategy) Initialize(_ domain.Portfolio, isFirstInit bool) bool {
	if isFirstInit {
		s.st.Prices = nil
	}
	return true
}

// SetParams binds the decoded startup parameters.
func (s *Strategy) SetParams(p Params) { s.st.Params = p }

func (s *Strategy) Resume(_ []domain.Bar, _ domain.Portfolio, _ time.Time) bool { return true }

func (s *Strategy) Process(bar domain.Bar, _ domain.Portfolio) strategy.Decision {
	p := s.st.Params
	s.st.Prices = append(s.st.Prices, bar.Close)
	if len(s.st.Prices) > p.LookbackPeriod*2 {
		s.st.Prices = s.st.Prices[len(s.st.Prices)-p.LookbackPeriod*2:]
	}

	if len(s.st.Prices) < p.LookbackPeriod {
		return strategy.Decision{Action: strategy.NoAction}
	}

	window := s.st.Prices[len(s.st.Prices)-p.LookbackPeriod:]
	mean := stat.Mean(window, nil)
	stdDev := stat.StdDev(window, nil)
	if stdDev == 0 {
		return strategy.Decision{Action: strategy.NoAction}
	}

	zScore := (bar.Close - mean) / stdDev

	switch {
	case zScore < -p.DeviationThreshold && s.st.Quantity == 0:
		stopLoss := bar.Close * (1 - p.StopLossPercent/100)
		s.st.Quantity = p.PositionSize
		return strategy.Decision{Action: strategy.ActionBuy, Quantity: p.PositionSize, StopPrice: stopLoss}
	case zScore > p.DeviationThreshold && s.st.Quantity > 0:
		s.st.Quantity = 0
		return strategy.Decision{Action: strategy.ActionSell, Quantity: p.PositionSize}
	}

	return strategy.Decision{Action: strategy.NoAction}
}

func (s *Strategy) OnOrderAccepted(domain.Order) {}

func (s *Strategy) OnOrderFilled(order domain.Order, _ time.Time) {
	if order.Side == domain.SideSell {
		s.st.Quantity = 0
	}
}

func (s *Strategy) OnOrderError(domain.Order) { s.st.Quantity = 0 }

func (s *Strategy) OnMarketDataError()   {}
func (s *Strategy) OnMarketDataRestore() {}

func decodeParams(raw map[string]any) (Params, error) {
	blob, err := json.Marshal(raw)
	if err != nil {
		return Params{}, err
	}
	var p Params
	if err := json.Unmarshal(blob, &p); err != nil {
		return Params{}, fmt.Errorf("decode mean reversion params: %w", err)
	}
	return p, nil
}
