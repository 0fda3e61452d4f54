// Package engine implements the coordination engine: the protocol
// surface one agent exposes and consumes. It validates permissions,
// drives the delegation state machine, dispatches outbound envelopes,
// and resolves expiry, while never interpreting payload content.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/agentwire/agentwire/pkg/envelope"
	"github.com/agentwire/agentwire/pkg/observability"
	"github.com/agentwire/agentwire/pkg/permission"
	"github.com/agentwire/agentwire/pkg/registry"
	"github.com/agentwire/agentwire/pkg/task"
)

// ErrDestinationUnreachable is returned when the receiver cannot be
// resolved through the registry.
var ErrDestinationUnreachable = errors.New("destination unreachable")

// Dispatcher delivers an encoded envelope to the agent at addr and
// returns the raw synchronous reply, which may be nil on
// store-and-forward transports.
type Dispatcher interface {
	Dispatch(ctx context.Context, addr string, raw []byte) ([]byte, error)
}

// DelegateHandler is invoked when an authorized inbound delegation has
// been recorded. The agent's own logic decides whether and when to
// Accept, Start, and Respond; the protocol does not act on its behalf.
type DelegateHandler func(ctx context.Context, t task.Task, msg envelope.Message)

// RequestHandler answers one-shot request messages. The returned
// payload travels back in a respond envelope.
type RequestHandler func(ctx context.Context, msg envelope.Message) (json.RawMessage, error)

// TaskObserver is notified after every local task transition.
type TaskObserver func(t task.Task)

// Engine coordinates one agent's participation in the protocol.
type Engine struct {
	self      registry.AgentIdentity
	registry  *registry.Registry
	evaluator *permission.Evaluator
	tasks     *task.Store
	codec     *envelope.Codec
	dispatch  Dispatcher

	window  *replayWindow
	history *pairIndex

	// originIndex maps a delegate message ID to the local task it
	// instantiated, on whichever side of the delegation we are.
	originMu    sync.RWMutex
	originIndex map[string]string

	// requiredByTask keeps the capability requirements of inbound
	// delegations for the fail-closed re-check at accept time.
	capsMu         sync.RWMutex
	requiredByTask map[string][]string

	onDelegate DelegateHandler
	onRequest  RequestHandler
	observer   TaskObserver

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCodec overrides the default codec.
func WithCodec(c *envelope.Codec) Option {
	return func(e *Engine) {
		if c != nil {
			e.codec = c
		}
	}
}

// WithReplayWindow sets the dedup window capacity.
func WithReplayWindow(capacity int) Option {
	return func(e *Engine) { e.window = newReplayWindow(capacity) }
}

// WithDelegateHandler registers the agent callback for authorized
// inbound delegations.
func WithDelegateHandler(h DelegateHandler) Option {
	return func(e *Engine) { e.onDelegate = h }
}

// WithRequestHandler registers the agent callback for one-shot
// requests.
func WithRequestHandler(h RequestHandler) Option {
	return func(e *Engine) { e.onRequest = h }
}

// WithTaskObserver registers a callback notified after every local
// task transition.
func WithTaskObserver(obs TaskObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithClock overrides the engine clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine for the given identity. The registry,
// evaluator, and task store are owned components injected by the
// hosting process; the dispatcher binds the engine to a transport.
func New(self registry.AgentIdentity, reg *registry.Registry, eval *permission.Evaluator, tasks *task.Store, dispatch Dispatcher, opts ...Option) (*Engine, error) {
	if self.ID == "" {
		return nil, fmt.Errorf("engine requires an agent identity")
	}
	if reg == nil || eval == nil || tasks == nil {
		return nil, fmt.Errorf("engine requires registry, evaluator, and task store")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("engine requires a dispatcher")
	}

	e := &Engine{
		self:           self,
		registry:       reg,
		evaluator:      eval,
		tasks:          tasks,
		codec:          envelope.NewCodec(0),
		dispatch:       dispatch,
		window:         newReplayWindow(0),
		history:        newPairIndex(0),
		originIndex:    make(map[string]string),
		requiredByTask: make(map[string][]string),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Self returns the engine's own identity.
func (e *Engine) Self() registry.AgentIdentity { return e.self }

// Tasks returns the engine's task store.
func (e *Engine) Tasks() *task.Store { return e.tasks }

// SendRequest constructs a delegate message for receiverID, dispatches
// it, and returns the local Task handle in requested state.
func (e *Engine) SendRequest(ctx context.Context, receiverID string, payload json.RawMessage, caps []string, ttl time.Duration) (task.Task, error) {
	return e.delegate(ctx, receiverID, payload, caps, ttl, "")
}

// Ask sends a one-shot request to receiverID and returns the payload
// of the synchronous reply. No task is created on either side; a nil
// payload with nil error means the transport defers the answer.
func (e *Engine) Ask(ctx context.Context, receiverID string, payload json.RawMessage, caps []string, ttl time.Duration) (json.RawMessage, error) {
	ctx, span := observability.StartSpan(ctx, "engine.Ask",
		trace.WithAttributes(attribute.String("receiver_id", receiverID)))
	defer span.End()

	dest, err := e.registry.Lookup(receiverID)
	if err != nil {
		return nil, fmt.Errorf("ask %s: %w: %v", receiverID, ErrDestinationUnreachable, err)
	}

	msg := envelope.NewRequest(e.self.ID, receiverID, payload, caps, ttl)
	raw, err := e.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)

	start := e.now()
	reply, err := e.dispatch.Dispatch(ctx, dest.Address, raw)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordDispatch(status, e.now().Sub(start))
	observability.RecordMessage("outbound", string(msg.Type))
	if err != nil {
		return nil, fmt.Errorf("ask %s: %w", receiverID, err)
	}
	if reply == nil {
		return nil, nil
	}

	rmsg, err := e.codec.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("ask %s: decode reply: %w", receiverID, err)
	}
	if rmsg.Type == envelope.TypeError {
		var reason string
		_ = json.Unmarshal(rmsg.Payload, &reason)
		return nil, fmt.Errorf("ask %s: refused: %s", receiverID, reason)
	}
	return rmsg.Payload, nil
}

// SubDelegate delegates part of an in-progress task to a third agent.
// The parent stays in_progress until every child is terminal and the
// delegate reports its own completion.
func (e *Engine) SubDelegate(ctx context.Context, parentTaskID, receiverID string, payload json.RawMessage, caps []string, ttl time.Duration) (task.Task, error) {
	parent, err := e.tasks.Get(parentTaskID)
	if err != nil {
		return task.Task{}, err
	}
	if parent.Status != task.StatusInProgress {
		return task.Task{}, fmt.Errorf("sub-delegate from task %s in %s: %w",
			parentTaskID, parent.Status, task.ErrInvalidTransition)
	}
	return e.delegate(ctx, receiverID, payload, caps, ttl, parentTaskID)
}

func (e *Engine) delegate(ctx context.Context, receiverID string, payload json.RawMessage, caps []string, ttl time.Duration, parentTaskID string) (task.Task, error) {
	ctx, span := observability.StartSpan(ctx, "engine.SendRequest",
		trace.WithAttributes(attribute.String("receiver_id", receiverID)))
	defer span.End()

	dest, err := e.registry.Lookup(receiverID)
	if err != nil {
		return task.Task{}, fmt.Errorf("send to %s: %w: %v", receiverID, ErrDestinationUnreachable, err)
	}

	msg := envelope.NewDelegate(e.self.ID, receiverID, payload, caps, ttl)
	raw, err := e.codec.Encode(msg)
	if err != nil {
		return task.Task{}, err
	}

	t, err := e.tasks.Create(newTaskID(), msg.ID, e.self.ID, receiverID, msg.Deadline(), parentTaskID)
	if err != nil {
		return task.Task{}, err
	}
	e.indexOrigin(msg.ID, t.ID)
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)
	e.notify(t)
	observability.RecordTaskTransition(string(t.Status))

	// Dispatch happens outside any lock on shared state.
	if err := e.send(ctx, dest.Address, raw, msg.Type); err != nil {
		// The task stays requested; TTL expiry resolves it if no
		// response ever arrives.
		log.Printf("agentwire: dispatch delegate %s to %s failed: %v", msg.ID, receiverID, err)
	}
	return t, nil
}

// Accept is the delegate-side confirmation of an inbound delegation.
// Permissions are re-checked fail-closed: a denial rejects the task
// and informs the delegator.
func (e *Engine) Accept(ctx context.Context, taskID string) (task.Task, error) {
	t, err := e.tasks.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}

	if err := e.evaluator.Authorize(t.DelegatorID, e.self.ID, e.requiredCaps(t)); err != nil {
		var denied *permission.DeniedError
		if errors.As(err, &denied) {
			observability.RecordPermissionDenial(string(denied.Reason))
		}
		rejected, rerr := e.tasks.Reject(taskID, err.Error())
		if rerr != nil {
			return rejected, rerr
		}
		e.notify(rejected)
		observability.RecordTaskTransition(string(rejected.Status))
		e.respondToDelegator(ctx, rejected, t.OriginMessageID, envelope.OutcomeRejected, nil)
		return rejected, fmt.Errorf("accept task %s: %w", taskID, err)
	}

	accepted, err := e.tasks.Accept(taskID)
	if err != nil {
		return accepted, err
	}
	e.notify(accepted)
	observability.RecordTaskTransition(string(accepted.Status))
	e.respondToDelegator(ctx, accepted, t.OriginMessageID, envelope.OutcomeAccepted, nil)
	return accepted, nil
}

// Reject is the delegate-side explicit refusal of an inbound
// delegation.
func (e *Engine) Reject(ctx context.Context, taskID, reason string) (task.Task, error) {
	t, err := e.tasks.Reject(taskID, reason)
	if err != nil {
		return t, err
	}
	e.notify(t)
	observability.RecordTaskTransition(string(t.Status))
	e.respondToDelegator(ctx, t, t.OriginMessageID, envelope.OutcomeRejected, nil)
	return t, nil
}

// Start signals that work on an accepted task has begun. Duplicate
// starts are no-ops.
func (e *Engine) Start(ctx context.Context, taskID string) (task.Task, error) {
	before, err := e.tasks.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}

	t, err := e.tasks.Start(taskID)
	if err != nil {
		return t, err
	}
	if before.Status == task.StatusInProgress {
		// Idempotent replay; nothing changed, nothing to announce.
		return t, nil
	}
	e.notify(t)
	observability.RecordTaskTransition(string(t.Status))
	e.respondToDelegator(ctx, t, t.OriginMessageID, envelope.OutcomeStarted, nil)
	return t, nil
}

// Respond drives an in-progress task to completed or failed and
// delivers the result to the delegator.
func (e *Engine) Respond(ctx context.Context, taskID string, result json.RawMessage, failed bool) (task.Task, error) {
	var (
		t   task.Task
		err error
	)
	if failed {
		t, err = e.tasks.Fail(taskID, "delegate reported failure", result)
	} else {
		t, err = e.tasks.Complete(taskID, result)
	}
	if err != nil {
		return t, err
	}
	e.notify(t)
	observability.RecordTaskTransition(string(t.Status))

	outcome := envelope.OutcomeCompleted
	if failed {
		outcome = envelope.OutcomeFailed
	}
	e.respondToDelegator(ctx, t, t.OriginMessageID, outcome, result)
	return t, nil
}

// Cancel is the delegator-side abort of a non-terminal task. The local
// transition is authoritative; the delegate is notified best-effort.
func (e *Engine) Cancel(ctx context.Context, taskID string) (task.Task, error) {
	t, err := e.tasks.Cancel(taskID)
	if err != nil {
		return t, err
	}
	e.notify(t)
	observability.RecordTaskTransition(string(t.Status))

	if dest, lerr := e.registry.Lookup(t.DelegateID); lerr == nil {
		msg := envelope.NewError(e.self.ID, t.DelegateID, t.OriginMessageID, task.ReasonCancelled)
		if raw, eerr := e.codec.Encode(msg); eerr == nil {
			if serr := e.send(ctx, dest.Address, raw, msg.Type); serr != nil {
				log.Printf("agentwire: cancel notification for task %s failed: %v", taskID, serr)
			}
		}
	}
	return t, nil
}

// Sweep applies TTL expiry to tasks and registry entries. Call it from
// a periodic low-frequency scheduler; expiry is additionally applied
// lazily on access.
func (e *Engine) Sweep(now time.Time) (expiredTasks, expiredAgents []string) {
	expiredTasks = e.tasks.SweepExpired(now)
	for range expiredTasks {
		observability.RecordTaskTransition(string(task.StatusExpired))
	}
	expiredAgents = e.registry.SweepExpired(now)
	observability.SetActiveTasks(e.tasks.Len())
	observability.SetRegisteredAgents(e.registry.Len())

	if len(expiredTasks) > 0 || len(expiredAgents) > 0 {
		log.Printf("agentwire: sweep expired %d task(s), %d agent(s)", len(expiredTasks), len(expiredAgents))
	}
	return expiredTasks, expiredAgents
}

// TaskByOrigin resolves the local task instantiated by a delegate
// message ID.
func (e *Engine) TaskByOrigin(messageID string) (task.Task, error) {
	e.originMu.RLock()
	taskID, ok := e.originIndex[messageID]
	e.originMu.RUnlock()
	if !ok {
		return task.Task{}, fmt.Errorf("origin message %s: %w", messageID, task.ErrTaskNotFound)
	}
	return e.tasks.Get(taskID)
}

func (e *Engine) indexOrigin(messageID, taskID string) {
	e.originMu.Lock()
	e.originIndex[messageID] = taskID
	e.originMu.Unlock()
}

// requiredCaps recovers the capability requirements recorded for a
// task's origin message.
func (e *Engine) requiredCaps(t task.Task) []string {
	e.capsMu.RLock()
	defer e.capsMu.RUnlock()
	return e.requiredByTask[t.ID]
}

func (e *Engine) rememberCaps(taskID string, caps []string) {
	e.capsMu.Lock()
	defer e.capsMu.Unlock()
	e.requiredByTask[taskID] = caps
}

// respondToDelegator sends a respond envelope for a delegate-side
// transition back to the delegator, best-effort.
func (e *Engine) respondToDelegator(ctx context.Context, t task.Task, correlationID string, outcome envelope.Outcome, payload json.RawMessage) {
	if t.DelegatorID == e.self.ID {
		// Local bookkeeping on the delegator's own side; no echo.
		return
	}
	dest, err := e.registry.Lookup(t.DelegatorID)
	if err != nil {
		log.Printf("agentwire: respond for task %s: delegator %s unreachable: %v", t.ID, t.DelegatorID, err)
		return
	}

	msg := envelope.NewRespond(e.self.ID, t.DelegatorID, correlationID, outcome, payload)
	raw, err := e.codec.Encode(msg)
	if err != nil {
		log.Printf("agentwire: encode respond for task %s: %v", t.ID, err)
		return
	}
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)
	if err := e.send(ctx, dest.Address, raw, msg.Type); err != nil {
		log.Printf("agentwire: respond dispatch for task %s failed: %v", t.ID, err)
	}
}

// send dispatches raw to addr and records dispatch metrics. It never
// holds locks on shared registry or task state.
func (e *Engine) send(ctx context.Context, addr string, raw []byte, msgType envelope.MessageType) error {
	start := e.now()
	_, err := e.dispatch.Dispatch(ctx, addr, raw)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordDispatch(status, e.now().Sub(start))
	observability.RecordMessage("outbound", string(msgType))
	return err
}

func (e *Engine) notify(t task.Task) {
	if e.observer != nil {
		e.observer(t)
	}
}

func newTaskID() string { return uuid.New().String() }
