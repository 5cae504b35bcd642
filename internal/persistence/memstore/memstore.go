// Package memstore is an in-memory Persistence Store used by unit tests for
// every other component, mirroring the teacher's pkg/testing mock idiom so
// the rest of the engine can be exercised without a live database.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/persistence"
)

type orderEventRow struct {
	orderID   string
	state     domain.OrderState
	timestamp time.Time
	payload   []byte
}

type strategyRow struct {
	blob    []byte
	version int64
}

// Store is a mutex-guarded in-memory implementation of persistence.Store.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]domain.Session
	strategies map[string]strategyRow
	orderLog   []orderEventRow
	bars       map[domain.Instrument][]domain.Bar
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]domain.Session),
		strategies: make(map[string]strategyRow),
		bars:       make(map[domain.Instrument][]domain.Bar),
	}
}

func (s *Store) PutSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = session
	return nil
}

func (s *Store) GetSession(_ context.Context, day, account string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[day+"/"+account]
	if !ok {
		return domain.Session{}, persistence.ErrNotFound
	}
	return sess, nil
}

func (s *Store) PutStrategyState(_ context.Context, sessionID, strategyID string, blob []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionID + "/" + strategyID
	row, exists := s.strategies[key]
	if exists && row.version > expectedVersion {
		return row.version, apperrors.StaleVersion
	}

	newVersion := expectedVersion + 1
	s.strategies[key] = strategyRow{blob: blob, version: newVersion}
	return newVersion, nil
}

func (s *Store) GetStrategyState(_ context.Context, sessionID, strategyID string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.strategies[sessionID+"/"+strategyID]
	if !ok {
		return nil, 0, persistence.ErrNotFound
	}
	return row.blob, row.version, nil
}

func (s *Store) AppendOrderEvent(_ context.Context, orderID string, newState domain.OrderState, timestamp time.Time, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderLog = append(s.orderLog, orderEventRow{
		orderID:   orderID,
		state:     newState,
		timestamp: timestamp,
		payload:   payload,
	})
	return nil
}

// RecordBar appends a closed bar to the day's bar log for an instrument,
// used by tests to seed LoadRecoveryContext.
func (s *Store) RecordBar(instrument domain.Instrument, bar domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[instrument] = append(s.bars[instrument], bar)
}

func (s *Store) LoadRecoveryContext(_ context.Context, account, day string) (domain.RecoveryContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[day+"/"+account]
	if !ok {
		return domain.RecoveryContext{}, persistence.ErrNotFound
	}

	barsCopy := make(map[domain.Instrument][]domain.Bar, len(s.bars))
	for k, v := range s.bars {
		cp := make([]domain.Bar, len(v))
		copy(cp, v)
		barsCopy[k] = cp
	}

	var openOrders []domain.Order
	latestByOrder := make(map[string]orderEventRow)
	for _, row := range s.orderLog {
		latestByOrder[row.orderID] = row
	}
	for id, row := range latestByOrder {
		if !row.state.Terminal() {
			openOrders = append(openOrders, domain.Order{
				EngineID:       id,
				State:          row.state,
				LastModifiedAt: row.timestamp,
			})
		}
	}

	var snapshots []domain.StrategySnapshot
	prefix := sess.ID() + "/"
	for key, row := range s.strategies {
		if strings.HasPrefix(key, prefix) {
			snapshots = append(snapshots, domain.StrategySnapshot{
				StrategyID: strings.TrimPrefix(key, prefix),
				StateBlob:  row.blob,
				Version:    row.version,
			})
		}
	}

	return domain.RecoveryContext{
		Session:       sess,
		Strategies:    snapshots,
		OpenOrders:    openOrders,
		BarsSinceOpen: barsCopy,
	}, nil
}
