package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
)

// Dispatcher hands inbound payloads to a DataCallback, one goroutine per
// message. Callbacks run one at a time in arrival order: each goroutine waits
// for its predecessor before calling back. Subscribers embed one and call
// Start on connect and Stop on disconnect.
type Dispatcher struct {
	nodeID  string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cb       DataCallback
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	inflight sync.WaitGroup
	failed   int
	// tail is closed when the most recently dispatched callback returns.
	tail chan struct{}
}

// NewDispatcher returns a stopped dispatcher for nodeID.
func NewDispatcher(nodeID string, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		nodeID:  nodeID,
		logger:  logging.OrDefault(logger),
		metrics: m,
	}
}

// SetCallback replaces the callback. Messages already in flight finish with
// the callback they started with.
func (d *Dispatcher) SetCallback(cb DataCallback) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// Start makes the dispatcher accept messages.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	d.failed = 0
}

// Dispatch decodes data and schedules the callback on it behind every
// message dispatched before. It reports whether a callback was scheduled.
// Undecodable payloads are logged and dropped.
func (d *Dispatcher) Dispatch(source string, data []byte) bool {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		d.logger.Warn("dropping undecodable payload", "node_id", d.nodeID, "source", source, "error", err)
		d.metrics.ParseError(d.nodeID)
		return false
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return false
	}
	cb := d.cb
	if cb == nil {
		d.mu.Unlock()
		d.logger.Debug("no data callback registered", "node_id", d.nodeID, "source", source)
		return false
	}
	ctx := d.ctx
	prev, done := d.tail, make(chan struct{})
	d.tail = done
	d.inflight.Add(1)
	d.mu.Unlock()

	msg := Message{Source: source, Payload: payload, ReceivedAt: time.Now()}
	go d.run(ctx, cb, msg, prev, done)
	return true
}

func (d *Dispatcher) run(ctx context.Context, cb DataCallback, msg Message, prev <-chan struct{}, done chan<- struct{}) {
	defer d.inflight.Done()
	defer close(done)
	if prev != nil {
		<-prev
	}
	d.metrics.CallbackStarted()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
		if err != nil {
			d.logger.Error("data callback failed", "node_id", d.nodeID, "source", msg.Source, "error", err)
			d.mu.Lock()
			d.failed++
			d.mu.Unlock()
		}
		d.metrics.CallbackFinished(err)
	}()

	err = cb(ctx, msg)
}

// Stop refuses new messages, cancels the context of in-flight callbacks and
// waits for them. Callbacks still queued run with the cancelled context. It
// returns how many callbacks failed since Start.
func (d *Dispatcher) Stop() int {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return 0
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.inflight.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}
