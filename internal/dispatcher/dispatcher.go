// Package dispatcher sends commands to locker hardware and correlates the
// answers.
//
// Each command carries a fresh requestId. The dispatcher registers the id
// before publishing, then waits for a response carrying the same id, the
// timeout, or the caller's context, whichever comes first. Only one command
// may be outstanding per box (or per locker-level request); a second one
// fails fast with ErrCommandAlreadyPending without publishing.
//
// The transport is fire-and-forget. A timed-out or cancelled command may
// still execute on the device later, so those outcomes are reported as
// OutcomeUnknown and callers must let the next status report settle state.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/mqtt"
)

// DefaultTimeout applies when New is given a zero timeout.
const DefaultTimeout = 30 * time.Second

// Publisher is the transport the dispatcher publishes through.
// *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger defines the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type pendingCommand struct {
	requestID string
	target    Target
	action    Action
	issuedAt  time.Time
	deadline  time.Time
	resolved  chan delivery
}

type delivery struct {
	resp response
	raw  []byte
}

// Dispatcher correlates commands with device responses.
type Dispatcher struct {
	pub     Publisher
	topics  mqtt.Topics
	qos     byte
	timeout time.Duration

	// inflight maps a target key to the request id holding it.
	inflight sync.Map

	mu      sync.Mutex
	pending map[string]*pendingCommand

	logger   Logger
	metrics  *metrics.Metrics
	onResult func(Result)
	now      func() time.Time
}

// New creates a dispatcher publishing commands under topics.
func New(pub Publisher, topics mqtt.Topics, qos byte, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		pub:     pub,
		topics:  topics,
		qos:     qos,
		timeout: timeout,
		pending: make(map[string]*pendingCommand),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMetrics sets the collectors command outcomes are recorded on.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// OnResult registers a hook called once for every finished command,
// including timeouts. It runs on the caller's goroutine.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.onResult = fn
}

// Timeout returns the response timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Pending returns the number of commands awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// SendCommand publishes action for target and waits for the device.
//
// A device success returns OutcomeSucceeded and a nil error. A device
// rejection returns OutcomeFailed with ErrDeviceRejected. Timeouts and
// cancellation return OutcomeUnknown with ErrTimeout or ErrCancelled. The
// Result is populated in every case where a request id was issued.
func (d *Dispatcher) SendCommand(ctx context.Context, target Target, action Action, data any) (Result, error) {
	if err := target.validate(action); err != nil {
		return Result{}, err
	}

	requestID := uuid.NewString()
	key := target.key(action)
	if holder, loaded := d.inflight.LoadOrStore(key, requestID); loaded {
		return Result{}, fmt.Errorf("%w: %s (request %v)", ErrCommandAlreadyPending, key, holder)
	}
	defer d.inflight.Delete(key)

	issued := d.now()
	body, err := json.Marshal(message{
		Action:    action,
		BoxID:     target.BoxID,
		RequestID: requestID,
		Timestamp: issued.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding %s: %w", ErrInvalidCommand, action, err)
	}

	pc := &pendingCommand{
		requestID: requestID,
		target:    target,
		action:    action,
		issuedAt:  issued,
		deadline:  issued.Add(d.timeout),
		resolved:  make(chan delivery, 1),
	}
	d.register(pc)
	defer d.unregister(requestID)

	res := Result{RequestID: requestID, Target: target, Action: action, Outcome: OutcomeUnknown}

	if err := d.pub.Publish(d.topicFor(target, action), body, d.qos, false); err != nil {
		res.Outcome = OutcomeFailed
		return d.finish(res, issued, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	d.logger.Debug("command published", "request_id", requestID, "target", key, "action", action)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case got := <-pc.resolved:
		res.Payload = got.raw
		if !got.resp.succeeded() {
			res.Outcome = OutcomeFailed
			return d.finish(res, issued, fmt.Errorf("%w: %s result %s", ErrDeviceRejected, key, got.resp.Result))
		}
		res.Outcome = OutcomeSucceeded
		return d.finish(res, issued, nil)
	case <-timer.C:
		return d.finish(res, issued, fmt.Errorf("%w: %s after %v", ErrTimeout, key, d.timeout))
	case <-ctx.Done():
		return d.finish(res, issued, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	}
}

func (d *Dispatcher) topicFor(t Target, a Action) string {
	if a == ActionRefresh {
		return d.topics.Request(t.LockerID, string(a))
	}
	return d.topics.Command(t.LockerID, string(a), t.BoxID)
}

func (d *Dispatcher) register(pc *pendingCommand) {
	d.mu.Lock()
	d.pending[pc.requestID] = pc
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPendingCommands(n)
}

func (d *Dispatcher) unregister(requestID string) {
	d.mu.Lock()
	delete(d.pending, requestID)
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPendingCommands(n)
}

// claim removes and returns the pending command for requestID when the
// response came from the locker and topic the command was sent for. A
// mismatched response leaves the command pending for its real answer.
func (d *Dispatcher) claim(requestID, lockerID, name string) (pc *pendingCommand, found bool) {
	d.mu.Lock()
	pc, found = d.pending[requestID]
	if !found || pc.target.LockerID != lockerID || string(pc.action) != name {
		d.mu.Unlock()
		return pc, found
	}
	delete(d.pending, requestID)
	n := len(d.pending)
	d.mu.Unlock()

	d.metrics.SetPendingCommands(n)
	return pc, true
}

func (d *Dispatcher) finish(res Result, issued time.Time, err error) (Result, error) {
	res.Elapsed = d.now().Sub(issued)
	d.metrics.ObserveCommand(string(res.Action), string(res.Outcome), res.Elapsed)

	switch {
	case err == nil:
		d.logger.Info("command succeeded", "request_id", res.RequestID, "locker_id", res.Target.LockerID,
			"box_id", res.Target.BoxID, "action", res.Action, "elapsed", res.Elapsed)
	case res.Outcome == OutcomeUnknown:
		d.logger.Warn("command outcome unknown", "request_id", res.RequestID, "locker_id", res.Target.LockerID,
			"box_id", res.Target.BoxID, "action", res.Action, "error", err)
	default:
		d.logger.Warn("command failed", "request_id", res.RequestID, "locker_id", res.Target.LockerID,
			"box_id", res.Target.BoxID, "action", res.Action, "error", err)
	}

	if d.onResult != nil {
		d.onResult(res)
	}
	return res, err
}

// HandleResponse is the broker handler for {prefix}/+/response/+.
//
// Responses with an unknown requestId, including late answers to commands
// that already timed out, are logged and dropped.
func (d *Dispatcher) HandleResponse(topic string, payload []byte) error {
	t, ok := d.topics.Parse(topic)
	if !ok || t.Kind != mqtt.KindResponse || len(t.Rest) != 1 {
		d.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.logger.Warn("dropping malformed command response", "topic", topic, "error", err)
		return nil
	}
	if resp.RequestID == "" {
		d.logger.Warn("dropping command response without requestId", "topic", topic)
		return nil
	}

	pc, found := d.claim(resp.RequestID, t.LockerID, t.Rest[0])
	switch {
	case !found:
		d.logger.Info("ignoring late or unknown command response",
			"request_id", resp.RequestID, "locker_id", t.LockerID, "name", t.Rest[0])
		return nil
	case pc.target.LockerID != t.LockerID || string(pc.action) != t.Rest[0]:
		d.logger.Warn("ignoring command response on the wrong topic",
			"request_id", resp.RequestID, "topic", topic,
			"want_locker", pc.target.LockerID, "want_action", pc.action)
		return nil
	}

	pc.resolved <- delivery{resp: resp, raw: append([]byte(nil), payload...)}
	return nil
}
