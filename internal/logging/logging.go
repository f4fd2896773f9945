// Package logging implements the structured logger ambient concern
// (SPEC_FULL §1): a zap.Logger decorated with a redaction core and a
// bounded ring buffer the log analyzer consumes.
//
// Grounded on the teacher's pervasive zap.Logger field idiom
// (zap.String/zap.Error throughout internal/cache and
// internal/circuitbreaker); the redaction core and ring buffer are new,
// layered on top via zapcore.Core composition, the idiomatic way to hook
// zap without forking its encoder.
package logging

import (
	"os"
	"sync"
	"time"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry is a single ring-buffer record, the shape the log analyzer reads.
type Entry struct {
	At      time.Time
	Level   zapcore.Level
	Message string
	Fields  map[string]interface{}
}

// RingBuffer is a fixed-capacity, overwrite-oldest log record store.
type RingBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	next     int
	filled   bool
}

// NewRingBuffer constructs a RingBuffer holding at most capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{capacity: capacity, entries: make([]Entry, capacity)}
}

func (b *RingBuffer) push(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.filled = true
	}
}

// Snapshot returns entries in chronological order.
func (b *RingBuffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.filled {
		out := make([]Entry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]Entry, b.capacity)
	copy(out, b.entries[b.next:])
	copy(out[b.capacity-b.next:], b.entries[:b.next])
	return out
}

// redactingCore wraps a zapcore.Core, masking sensitive fields and
// phone-shaped values before writing, and mirroring every entry into a
// RingBuffer for the log analyzer.
type redactingCore struct {
	zapcore.Core
	ring *RingBuffer
}

func newRedactingCore(core zapcore.Core, ring *RingBuffer) zapcore.Core {
	return &redactingCore{Core: core, ring: ring}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields)), ring: c.ring}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	redacted := redactFields(fields)
	ent.Message = sentinelerrors.RedactForLogging(ent.Message)

	fieldMap := make(map[string]interface{}, len(redacted))
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range redacted {
		f.AddTo(enc)
	}
	for k, v := range enc.Fields {
		fieldMap[k] = v
	}
	c.ring.push(Entry{At: ent.Time, Level: ent.Level, Message: ent.Message, Fields: fieldMap})

	return c.Core.Write(ent, redacted)
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			key := f.Key
			if isSensitiveKey(key) {
				f.String = "[redacted]"
			} else {
				f.String = sentinelerrors.RedactForLogging(f.String)
			}
		}
		out[i] = f
	}
	return out
}

func isSensitiveKey(key string) bool {
	switch key {
	case "password", "token", "secret":
		return true
	default:
		return false
	}
}

// New builds a production zap.Logger decorated with redaction and a ring
// buffer of the given capacity.
func New(level zapcore.Level, ringCapacity int) (*zap.Logger, *RingBuffer) {
	ring := NewRingBuffer(ringCapacity)

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(cfg)

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level)
	decorated := newRedactingCore(core, ring)

	logger := zap.New(decorated, zap.AddCaller())
	return logger, ring
}
