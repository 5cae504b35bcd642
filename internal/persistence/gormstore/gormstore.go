// Package gormstore is the production Persistence Store backend, built on
// gorm.io/gorm + gorm.io/driver/postgres, generalizing the teacher's
// internal/db/repositories idiom (one struct per table, zap-logged errors)
// to the three tables the spec requires: sessions, strategy_states
// (CAS-versioned) and order_events (append-only).
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/persistence"
)

// sessionRow is the sessions table.
type sessionRow struct {
	Day      string `gorm:"primaryKey"`
	Account  string `gorm:"primaryKey"`
	State    string
	OpenedAt time.Time
	ClosedAt time.Time
}

func (sessionRow) TableName() string { return "sessions" }

// strategyStateRow is the strategy_states table; Version is the CAS column.
type strategyStateRow struct {
	SessionID  string `gorm:"primaryKey"`
	StrategyID string `gorm:"primaryKey"`
	Blob       []byte
	Version    int64
	UpdatedAt  time.Time
}

func (strategyStateRow) TableName() string { return "strategy_states" }

// orderEventRow is the append-only order_events table.
type orderEventRow struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	OrderID   string
	ToState   string
	Timestamp time.Time
	Payload   []byte
}

func (orderEventRow) TableName() string { return "order_events" }

// barRow persists the day's bar log so LoadRecoveryContext can replay it
// through a strategy's Resume hook.
type barRow struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	Account    string
	Day        string
	Instrument string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
}

func (barRow) TableName() string { return "bars" }

// Store is the gorm-backed Persistence Store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres using dsn and migrates the engine's tables.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "failed to open database", err)
	}

	if err := db.AutoMigrate(&sessionRow{}, &strategyStateRow{}, &orderEventRow{}, &barRow{}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "failed to migrate schema", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	row := sessionRow{
		Day:      session.Day,
		Account:  session.Account,
		State:    string(session.State),
		OpenedAt: session.OpenedAt,
		ClosedAt: session.ClosedAt,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}, {Name: "account"}},
		UpdateAll: true,
	}).Create(&row)
	if result.Error != nil {
		s.logger.Error("failed to put session", zap.String("day", session.Day), zap.Error(result.Error))
		return apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityWarning, "put session failed", result.Error)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, day, account string) (domain.Session, error) {
	var row sessionRow
	result := s.db.WithContext(ctx).Where("day = ? AND account = ?", day, account).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return domain.Session{}, persistence.ErrNotFound
		}
		return domain.Session{}, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityWarning, "get session failed", result.Error)
	}

	return domain.Session{
		Day:      row.Day,
		Account:  row.Account,
		State:    domain.SessionState(row.State),
		OpenedAt: row.OpenedAt,
		ClosedAt: row.ClosedAt,
	}, nil
}

func (s *Store) PutStrategyState(ctx context.Context, sessionID, strategyID string, blob []byte, expectedVersion int64) (int64, error) {
	var newVersion int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing strategyStateRow
		err := tx.Where("session_id = ? AND strategy_id = ?", sessionID, strategyID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			newVersion = expectedVersion + 1
			return tx.Create(&strategyStateRow{
				SessionID:  sessionID,
				StrategyID: strategyID,
				Blob:       blob,
				Version:    newVersion,
				UpdatedAt:  time.Now(),
			}).Error
		case err != nil:
			return err
		}

		if existing.Version > expectedVersion {
			return apperrors.StaleVersion
		}

		newVersion = expectedVersion + 1
		return tx.Model(&existing).Updates(map[string]any{
			"blob":       blob,
			"version":    newVersion,
			"updated_at": time.Now(),
		}).Error
	})

	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.Code == apperrors.CodeStaleVersion {
			return 0, err
		}
		s.logger.Error("failed to put strategy state", zap.String("strategy_id", strategyID), zap.Error(err))
		return 0, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityWarning, "put strategy state failed", err)
	}

	return newVersion, nil
}

func (s *Store) GetStrategyState(ctx context.Context, sessionID, strategyID string) ([]byte, int64, error) {
	var row strategyStateRow
	result := s.db.WithContext(ctx).Where("session_id = ? AND strategy_id = ?", sessionID, strategyID).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, 0, persistence.ErrNotFound
		}
		return nil, 0, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityWarning, "get strategy state failed", result.Error)
	}
	return row.Blob, row.Version, nil
}

func (s *Store) AppendOrderEvent(ctx context.Context, orderID string, newState domain.OrderState, timestamp time.Time, payload []byte) error {
	row := orderEventRow{
		OrderID:   orderID,
		ToState:   string(newState),
		Timestamp: timestamp,
		Payload:   payload,
	}
	if result := s.db.WithContext(ctx).Create(&row); result.Error != nil {
		s.logger.Error("failed to append order event", zap.String("order_id", orderID), zap.Error(result.Error))
		return apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityWarning, "append order event failed", result.Error)
	}
	return nil
}

// RecordBar persists one closed bar into the day's bar log that
// LoadRecoveryContext reads back. It is not part of persistence.Store, and
// neither the Market Data Router nor the Trade Manager calls it.
func (s *Store) RecordBar(ctx context.Context, account, day string, instrument domain.Instrument, bar domain.Bar) error {
	row := barRow{
		Account:    account,
		Day:        day,
		Instrument: string(instrument),
		Timestamp:  bar.Timestamp,
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		Volume:     bar.Volume,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) LoadRecoveryContext(ctx context.Context, account, day string) (domain.RecoveryContext, error) {
	session, err := s.GetSession(ctx, day, account)
	if err != nil {
		return domain.RecoveryContext{}, err
	}

	var strategyRows []strategyStateRow
	sessionID := session.ID()
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&strategyRows).Error; err != nil {
		return domain.RecoveryContext{}, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "load strategy states failed", err)
	}

	var snapshots []domain.StrategySnapshot
	for _, row := range strategyRows {
		var params map[string]any
		_ = json.Unmarshal(row.Blob, &params)
		snapshots = append(snapshots, domain.StrategySnapshot{
			StrategyID: row.StrategyID,
			StateBlob:  row.Blob,
			Version:    row.Version,
		})
	}

	var eventRows []orderEventRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&eventRows).Error; err != nil {
		return domain.RecoveryContext{}, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "load order events failed", err)
	}

	latestByOrder := make(map[string]orderEventRow)
	for _, row := range eventRows {
		latestByOrder[row.OrderID] = row
	}

	var openOrders []domain.Order
	for id, row := range latestByOrder {
		state := domain.OrderState(row.ToState)
		if !state.Terminal() {
			openOrders = append(openOrders, domain.Order{
				EngineID:       id,
				State:          state,
				LastModifiedAt: row.Timestamp,
			})
		}
	}

	var barRows []barRow
	if err := s.db.WithContext(ctx).Where("account = ? AND day = ?", account, day).Order("timestamp ASC").Find(&barRows).Error; err != nil {
		return domain.RecoveryContext{}, apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "load bar log failed", err)
	}

	barsByInstrument := make(map[domain.Instrument][]domain.Bar)
	for _, row := range barRows {
		instrument := domain.Instrument(row.Instrument)
		barsByInstrument[instrument] = append(barsByInstrument[instrument], domain.Bar{
			Timestamp: row.Timestamp,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
			Closed:    true,
		})
	}

	return domain.RecoveryContext{
		Session:       session,
		Strategies:    snapshots,
		OpenOrders:    openOrders,
		BarsSinceOpen: barsByInstrument,
	}, nil
}
