package clientchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/domain"
)

type fakeOps struct {
	openedOrderID string
	valid         bool
}

func (f *fakeOps) OpenPosition(context.Context, domain.Instrument, domain.OrderSide, float64, float64) (string, error) {
	return f.openedOrderID, nil
}
func (f *fakeOps) ClosePosition(context.Context, domain.Instrument) (string, error) {
	return "close-1", nil
}
func (f *fakeOps) UpdateAccountConfig(context.Context) error { return nil }
func (f *fakeOps) ValidateSignal(string, map[string]any) (bool, error) {
	return f.valid, nil
}
func (f *fakeOps) OpenOrders() []domain.Order { return nil }

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	blob, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(blob, frameTerminator))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	raw, err := readFrame(reader)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestTradingCommandOpenPosition(t *testing.T) {
	ops := &fakeOps{openedOrderID: "order-123"}
	srv := New(ops, zap.NewNop(), Options{Port: 23260, MaxConnections: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	defer srv.Stop()

	conn := dial(t, 23260)
	defer conn.Close()

	data, _ := json.Marshal(map[string]any{"instrument": "EURUSD", "side": "BUY", "quantity": 10})
	resp := sendRequest(t, conn, Request{Service: ServiceTradingCommand, SrvOpID: int(TradingOpOpenPosition), Data: data})

	assert.True(t, resp.OK)
	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, "order-123", out["order_id"])
}

func TestValidateSignal(t *testing.T) {
	ops := &fakeOps{valid: true}
	srv := New(ops, zap.NewNop(), Options{Port: 23261, MaxConnections: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	defer srv.Stop()

	conn := dial(t, 23261)
	defer conn.Close()

	data, _ := json.Marshal(map[string]any{"class": "SMA", "params": map[string]any{"fast": 3}})
	resp := sendRequest(t, conn, Request{Service: ServiceTradingCommand, SrvOpID: int(TradingOpValidateSignal), Data: data})

	assert.True(t, resp.OK)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.True(t, out["valid"])
}

func TestBacktestServiceIsUnsupported(t *testing.T) {
	ops := &fakeOps{}
	srv := New(ops, zap.NewNop(), Options{Port: 23262, MaxConnections: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	defer srv.Stop()

	conn := dial(t, 23262)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Service: ServiceBacktest, Data: []byte("{}")})
	assert.False(t, resp.OK)
}
