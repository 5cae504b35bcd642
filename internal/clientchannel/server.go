package clientchannel

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/strategy"
)

// TradeOps is the subset of the Trade Manager the Client Channel drives;
// depending on an interface rather than *trademanager.Manager keeps this
// package a thin, independently testable surface per spec §2's "treated
// as thin, specified only at its contract level."
type TradeOps interface {
	OpenPosition(ctx context.Context, instrument domain.Instrument, side domain.OrderSide, quantity, stopPrice float64) (string, error)
	ClosePosition(ctx context.Context, instrument domain.Instrument) (string, error)
	UpdateAccountConfig(ctx context.Context) error
	ValidateSignal(class string, params map[string]any) (bool, error)
	OpenOrders() []domain.Order
}

// Options configures the Server.
type Options struct {
	Port           int
	MaxConnections int
	LogDir         string
}

// DefaultOptions mirrors spec §6's documented defaults.
func DefaultOptions() Options {
	return Options{Port: 2260, MaxConnections: 10, LogDir: "."}
}

// Server is the Client Channel: one goroutine per accepted connection,
// capped by a semaphore at MaxConnections (spec §4.7).
type Server struct {
	ops      TradeOps
	logger   *zap.Logger
	options  Options
	listener net.Listener
	sem      chan struct{}
}

// New builds a Server bound to ops; call Start to begin accepting
// connections.
func New(ops TradeOps, logger *zap.Logger, options Options) *Server {
	if options.MaxConnections <= 0 {
		options.MaxConnections = 10
	}
	return &Server{
		ops:     ops,
		logger:  logger,
		options: options,
		sem:     make(chan struct{}, options.MaxConnections),
	}
}

// Start listens on options.Port and serves connections until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.options.Port))
	if err != nil {
		return fmt.Errorf("clientchannel: listen: %w", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", zap.Error(err))
				return err
			}
		}

		select {
		case s.sem <- struct{}{}:
			go s.serve(ctx, conn)
		default:
			s.logger.Warn("client channel at max connections, rejecting")
			_ = conn.Close()
		}
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer func() { <-s.sem }()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		raw, err := readFrame(reader)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = writeResponse(conn, Response{OK: false, Error: "malformed request"})
			continue
		}

		s.dispatch(ctx, conn, req)
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, req Request) {
	switch req.Service {
	case ServiceServerLog:
		s.handleServerLog(conn, req)
	case ServiceTradingCommand:
		s.handleTradingCommand(ctx, conn, req)
	case ServiceStrategyMeta:
		s.handleStrategyMeta(conn)
	case ServiceBacktest:
		_ = writeResponse(conn, Response{OK: false, Error: "backtesting of arbitrary history is not supported by this engine"})
	case ServiceAccountActivity:
		s.handleAccountActivity(conn)
	default:
		_ = writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("unknown service %d", req.Service)})
	}
}

type serverLogRequest struct {
	Date string `json:"date"`
}

// handleServerLog zips every log file for the requested date out of
// LogDir and streams it back as a binary download.
func (s *Server) handleServerLog(conn net.Conn, req Request) {
	var body serverLogRequest
	if err := json.Unmarshal(req.Data, &body); err != nil || body.Date == "" {
		_ = writeResponse(conn, Response{OK: false, Error: "date is required"})
		return
	}

	matches, err := filepath.Glob(filepath.Join(s.options.LogDir, body.Date+"*.log"))
	if err != nil {
		_ = writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, path := range matches {
		if err := addFileToZip(zw, path); err != nil {
			s.logger.Warn("failed to add log file to zip", zap.String("path", path), zap.Error(err))
		}
	}
	if err := zw.Close(); err != nil {
		_ = writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}

	if err := writeBinaryResponse(conn, Response{OK: true}, buf.Bytes()); err != nil {
		s.logger.Error("failed to write server log response", zap.Error(err))
	}
}

func addFileToZip(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = w.ReadFrom(f)
	return err
}

type tradingCommandRequest struct {
	Instrument  domain.Instrument `json:"instrument"`
	Side        domain.OrderSide  `json:"side"`
	Quantity    float64           `json:"quantity"`
	StopPrice   float64           `json:"stop_price"`
	Class       string            `json:"class"`
	Params      map[string]any    `json:"params"`
}

func (s *Server) handleTradingCommand(ctx context.Context, conn net.Conn, req Request) {
	var body tradingCommandRequest
	if err := json.Unmarshal(req.Data, &body); err != nil {
		_ = writeResponse(conn, Response{OK: false, Error: "malformed trading command"})
		return
	}

	switch TradingSubOp(req.SrvOpID) {
	case TradingOpOpenPosition:
		orderID, err := s.ops.OpenPosition(ctx, body.Instrument, body.Side, body.Quantity, body.StopPrice)
		respondOrError(conn, orderID, err)

	case TradingOpClosePosition:
		orderID, err := s.ops.ClosePosition(ctx, body.Instrument)
		respondOrError(conn, orderID, err)

	case TradingOpUpdateAccount:
		err := s.ops.UpdateAccountConfig(ctx)
		respondOrError(conn, "", err)

	case TradingOpValidateSignal:
		ok, err := s.ops.ValidateSignal(body.Class, body.Params)
		if err != nil {
			_ = writeResponse(conn, Response{OK: false, Error: err.Error()})
			return
		}
		data, _ := json.Marshal(map[string]bool{"valid": ok})
		_ = writeResponse(conn, Response{OK: true, Data: data})

	default:
		_ = writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("unknown trading sub-op %d", req.SrvOpID)})
	}
}

func respondOrError(conn net.Conn, orderID string, err error) {
	if err != nil {
		_ = writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}
	data, _ := json.Marshal(map[string]string{"order_id": orderID})
	_ = writeResponse(conn, Response{OK: true, Data: data})
}

func (s *Server) handleStrategyMeta(conn net.Conn) {
	data, _ := json.Marshal(map[string][]string{"classes": strategy.Classes()})
	_ = writeResponse(conn, Response{OK: true, Data: data})
}

func (s *Server) handleAccountActivity(conn net.Conn) {
	orders := s.ops.OpenOrders()
	data, _ := json.Marshal(orders)
	_ = writeResponse(conn, Response{OK: true, Data: data})
}

// Stop closes the listener, unblocking Start's accept loop.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
