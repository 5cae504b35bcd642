package logging

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zapcore"
)

// forwardCore is a zapcore.Core that ships each log entry to a Fluentd
// collector using the Forward protocol's "Message Mode" ([tag, time,
// record]), msgpack-encoded over a reconnecting TCP connection. Connection
// failures are swallowed: the log shipper must never block or crash the
// engine it is observing.
type forwardCore struct {
	zapcore.LevelEnabler

	addr    string
	tag     string
	account string
	fields  []zapcore.Field

	mu   *sync.Mutex
	conn *net.Conn
}

func newForwardShipper(host string, port int, app, account string) *forwardCore {
	return &forwardCore{
		LevelEnabler: zapcore.InfoLevel,
		addr:         fmt.Sprintf("%s:%d", host, port),
		tag:          app + ".log",
		account:      account,
		mu:           &sync.Mutex{},
		conn:         new(net.Conn),
	}
}

// forwardRecord mirrors the field shape mandated by spec §6.
type forwardRecord struct {
	App       string `msgpack:"app"`
	MTAccount string `msgpack:"mtaccount"`
	CompName  string `msgpack:"compname"`
	Module    string `msgpack:"module"`
	FuncName  string `msgpack:"funcName"`
	LineNo    int    `msgpack:"lineno"`
	LevelName string `msgpack:"levelName"`
	Thread    string `msgpack:"thread"`
	Topic     string `msgpack:"topic"`
	TopicID   string `msgpack:"topicId"`
	Message   string `msgpack:"message"`
	Timestamp string `msgpack:"timestamp"`
}

func (c *forwardCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *forwardCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *forwardCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	module, funcName := splitCaller(entry.Caller)

	rec := forwardRecord{
		App:       appName,
		MTAccount: c.account,
		CompName:  hostname(),
		Module:    module,
		FuncName:  funcName,
		LineNo:    entry.Caller.Line,
		LevelName: entry.Level.CapitalString(),
		Thread:    "",
		Topic:     "engine",
		TopicID:   "",
		Message:   entry.Message,
		Timestamp: entry.Time.Format(time.RFC3339Nano),
	}

	payload, err := msgpack.Marshal([]any{c.tag, entry.Time.Unix(), rec})
	if err != nil {
		return nil
	}

	c.send(payload)
	return nil
}

func (c *forwardCore) Sync() error { return nil }

func (c *forwardCore) send(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if *c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
		if err != nil {
			return
		}
		*c.conn = conn
	}

	if _, err := (*c.conn).Write(payload); err != nil {
		(*c.conn).Close()
		*c.conn = nil
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func splitCaller(c zapcore.EntryCaller) (module, function string) {
	if !c.Defined {
		return "", ""
	}
	fn := runtime.FuncForPC(c.PC)
	if fn == nil {
		return c.TrimmedPath(), ""
	}
	full := fn.Name()
	idx := strings.LastIndex(full, ".")
	if idx < 0 {
		return full, ""
	}
	return full[:idx], full[idx+1:]
}
