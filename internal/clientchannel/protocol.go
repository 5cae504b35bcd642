// Package clientchannel is the Client Channel of spec §4.7/§6: a thin,
// in-process TCP request/response surface consumed by the external REST
// gateway (out of scope here). It generalizes the teacher's gRPC server
// wrapper (internal/grpc/server/server.go: listener + options struct +
// zap logger, Start/Stop lifecycle) to the spec's raw length-delimited
// frame protocol instead of gRPC, since the wire contract is fixed by
// spec §6 rather than left to a generated IDL.
package clientchannel

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frameTerminator ends every request and every non-binary response.
const frameTerminator = 0x04

// binaryMagic is the 10-byte delimiter preceding a binary download's
// length-prefixed payload.
var binaryMagic = []byte{0x00, 0xFF, 'm', 't', 'b', 'i', 'n', 'a', 'r', 'y'}

// Service is the closed set of Client Channel services (spec §6).
type Service int

const (
	ServiceServerLog       Service = 1
	ServiceTradingCommand  Service = 2
	ServiceStrategyMeta    Service = 3
	ServiceBacktest        Service = 4
	ServiceAccountActivity Service = 5
)

// TradingSubOp is the srvOpId sub-field of ServiceTradingCommand.
type TradingSubOp int

const (
	TradingOpOpenPosition    TradingSubOp = 1
	TradingOpClosePosition   TradingSubOp = 2
	TradingOpUpdateAccount   TradingSubOp = 5
	TradingOpValidateSignal  TradingSubOp = 8
)

// Request is the wire document a client sends before the 0x04 terminator.
type Request struct {
	Service Service         `json:"service"`
	SrvOpID int             `json:"srvOpId"`
	Data    json.RawMessage `json:"data"`
}

// Response is the wire document returned for a non-binary reply.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// readFrame reads bytes from r up to and including frameTerminator,
// returning everything before it.
func readFrame(r *bufio.Reader) ([]byte, error) {
	frame, err := r.ReadBytes(frameTerminator)
	if err != nil {
		return nil, err
	}
	return frame[:len(frame)-1], nil
}

// writeResponse marshals resp to JSON and writes it followed by the frame
// terminator.
func writeResponse(w io.Writer, resp Response) error {
	blob, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("clientchannel: marshal response: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		return err
	}
	_, err = w.Write([]byte{frameTerminator})
	return err
}

// writeBinaryResponse writes resp (no terminator), then the magic
// delimiter, a 4-byte big-endian length, then payload.
func writeBinaryResponse(w io.Writer, resp Response, payload []byte) error {
	blob, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("clientchannel: marshal response: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		return err
	}
	if _, err := w.Write(binaryMagic); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
