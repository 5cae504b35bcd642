// Package sma implements the reference golden/death-cross strategy of
// spec §8: a fast/slow simple-moving-average crossover using
// github.com/markcheno/go-talib, grounded on the teacher's
// internal/strategy/mean_reversion.go rolling-window idiom generalized
// from a hand-rolled mean/stddev loop to the pack's indicator library.
package sma

import (
	"encoding/json"
	"fmt"
	"time"

	talib "github.com/markcheno/go-talib"

	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/strategy"
)

// ClassName is the registry key for this strategy.
const ClassName = "SMA"

func init() {
	strategy.Register(ClassName, func() strategy.Strategy { return &Strategy{} })
}

// Params are the strategy's startup parameters (spec §8 scenario 1 uses
// fast=3, slow=5, stop_percent=2.0).
type Params struct {
	Fast        int     `json:"fast"`
	Slow        int     `json:"slow"`
	StopPercent float64 `json:"stop_percent"`
}

// state is the typed state schema (Design Note 1): the strategy's full
// observable, persisted contents.
type state struct {
	Params     Params    `json:"params"`
	Closes     []float64 `json:"closes"`
	Quantity   float64   `json:"quantity"`
	PrevFast   float64   `json:"prev_fast"`
	PrevSlow   float64   `json:"prev_slow"`
	HavePrev   bool      `json:"have_prev"`
}

func (s *state) Snapshot() ([]byte, error) { return json.Marshal(s) }

func (s *state) Restore(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, s)
}

// Strategy is the fast/slow SMA crossover strategy.
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
	return p.Fast > 0 && p.Slow > p.Fast && p.StopPercent > 0
}

func (s *Strategy) Initialize(_ domain.Portfolio, isFirstInit bool) bool {
	// Initialize is also invoked after a parameter change; only reset the
	// rolling close buffer on the very first call.
	if isFirstInit {
		s.st.Closes = nil
		s.st.HavePrev = false
	}
	return true
}

// SetParams binds the decoded startup parameters; the Trade Manager calls
// this once, after Validate succeeds and before Initialize.
func (s *Strategy) SetParams(p Params) { s.st.Params = p }

// Resume is a no-op: the rolling close window, crossover memory and open
// quantity are all part of the persisted state schema and are already in
// place by the time Resume is called (the framework restores the
// snapshot before invoking any callback).
func (s *Strategy) Resume(_ []domain.Bar, _ domain.Portfolio, _ time.Time) bool {
	return true
}

func (s *Strategy) Process(bar domain.Bar, _ domain.Portfolio) strategy.Decision {
	p := s.st.Params
	s.st.Closes = append(s.st.Closes, bar.Close)
	maxLen := p.Slow * 3
	if maxLen > 0 && len(s.st.Closes) > maxLen {
		s.st.Closes = s.st.Closes[len(s.st.Closes)-maxLen:]
	}

	if len(s.st.Closes) < p.Slow {
		return strategy.Decision{Action: strategy.NoAction}
	}

	fastSeries := talib.Sma(s.st.Closes, p.Fast)
	slowSeries := talib.Sma(s.st.Closes, p.Slow)
	fast := fastSeries[len(fastSeries)-1]
	slow := slowSeries[len(slowSeries)-1]

	decision := strategy.Decision{Action: strategy.NoAction}

	if s.st.HavePrev {
		crossedUp := s.st.PrevFast <= s.st.PrevSlow && fast > slow
		crossedDown := s.st.PrevFast >= s.st.PrevSlow && fast < slow

		switch {
		case crossedUp && s.st.Quantity == 0:
			qty := 100.0
			stop := bar.Close * (1 - p.StopPercent/100)
			decision = strategy.Decision{Action: strategy.ActionBuy, Quantity: qty, StopPrice: stop}
			s.st.Quantity = qty
		case crossedDown && s.st.Quantity > 0:
			decision = strategy.Decision{Action: strategy.ActionFlat}
			s.st.Quantity = 0
		}
	}

	s.st.PrevFast, s.st.PrevSlow, s.st.HavePrev = fast, slow, true
	return decision
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
		return Params{}, fmt.Errorf("decode sma params: %w", err)
	}
	return p, nil
}
