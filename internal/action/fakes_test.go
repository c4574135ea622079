package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/zcl"
	"zigbee-actions/internal/zcl/clusters"
)

// fakeController records every stack interaction in order. It is both the
// Controller and its Touchlink.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	sent    []*stack.RawCommand
	customs []*zcl.ClusterDef
	locked  bool
	channel uint8

	network    *stack.NetworkParameters
	networkErr error
	sendErr    func(channel uint8) error
	channelErr func(channel uint8) error
	sendPanic  uint8
	restoreErr error
	unlockErr  error
	// acquireErr is returned after the lock was applied, like a lost reply.
	acquireErr error

	// cleanupCtxErr records ctx.Err() seen by the restore call.
	cleanupCtxErr error
}

func (f *fakeController) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeController) NetworkParameters(ctx context.Context) (*stack.NetworkParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("network")
	if f.networkErr != nil {
		return nil, f.networkErr
	}
	if f.network == nil {
		return &stack.NetworkParameters{PanID: 0x1a62, ExtendedPanID: "0xdddddddddddddddd", Channel: 11}, nil
	}
	return f.network, nil
}

func (f *fakeController) SendRaw(ctx context.Context, cmd *stack.RawCommand, custom *zcl.ClusterDef) (*stack.SendResult, error) {
	f.mu.Lock()
	f.record("send")
	f.sent = append(f.sent, cmd)
	f.customs = append(f.customs, custom)
	ch := f.channel
	sendErr, panicOn := f.sendErr, f.sendPanic
	f.mu.Unlock()

	if panicOn != 0 && ch == panicOn {
		panic("radio driver exploded")
	}
	if sendErr != nil {
		if err := sendErr(ch); err != nil {
			return nil, err
		}
	}
	return &stack.SendResult{}, nil
}

func (f *fakeController) Touchlink() stack.Touchlink { return f }

func (f *fakeController) Close() error { return nil }

func (f *fakeController) Lock(ctx context.Context, enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("lock:%t", enable))
	if enable {
		if f.locked {
			return stack.ErrTouchlinkLocked
		}
		f.locked = true
		return f.acquireErr
	}
	f.locked = false
	return f.unlockErr
}

func (f *fakeController) SetChannelInterPAN(ctx context.Context, channel uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("channel:%d", channel))
	if f.channelErr != nil {
		if err := f.channelErr(channel); err != nil {
			return err
		}
	}
	f.channel = channel
	return nil
}

func (f *fakeController) RestoreChannelInterPAN(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restore")
	f.cleanupCtxErr = ctx.Err()
	f.channel = 0
	return f.restoreErr
}

func (f *fakeController) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) count(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

// channels returns the channels visited, in order.
func (f *fakeController) channels() []uint8 {
	var out []uint8
	for _, c := range f.callLog() {
		var ch uint8
		if _, err := fmt.Sscanf(c, "channel:%d", &ch); err == nil {
			out = append(out, ch)
		}
	}
	return out
}

type logRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// captureHandler keeps every record for assertions.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]logRecord
	attrs   []slog.Attr
}

func newCaptureLogger() (*slog.Logger, func() []logRecord) {
	h := &captureHandler{mu: &sync.Mutex{}, records: &[]logRecord{}}
	return slog.New(h), func() []logRecord {
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]logRecord(nil), *h.records...)
	}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	rec := logRecord{Level: r.Level, Message: r.Message, Attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{mu: h.mu, records: h.records, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func recordsAt(records []logRecord, level slog.Level) []logRecord {
	var out []logRecord
	for _, r := range records {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

func testRegistry(t *testing.T) *zcl.Registry {
	t.Helper()
	logger, _ := newCaptureLogger()
	r := zcl.NewRegistry(logger)
	require.NoError(t, clusters.RegisterAll(r))
	r.Freeze()
	return r
}

// recordingWait counts pacing calls without sleeping.
type recordingWait struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *recordingWait) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *recordingWait) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}
