package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/pkg/envelope"
	"github.com/agentwire/agentwire/pkg/permission"
	"github.com/agentwire/agentwire/pkg/registry"
	"github.com/agentwire/agentwire/pkg/task"
	"github.com/agentwire/agentwire/pkg/transport"
)

// pair wires two engines over the in-process transport with a shared
// registry and evaluator, the way two co-located agents would talk.
type pair struct {
	local *transport.Local
	reg   *registry.Registry
	eval  *permission.Evaluator
	a, b  *Engine
}

func newPair(t *testing.T, optsA, optsB []Option) *pair {
	t.Helper()

	local := transport.NewLocal()
	reg := registry.New()
	eval := permission.NewEvaluator()

	idA := registry.AgentIdentity{ID: "agent-a", Address: "local://a"}
	idB := registry.AgentIdentity{ID: "agent-b", Address: "local://b", Capabilities: []string{"task.run"}}
	require.NoError(t, reg.Register(idA))
	require.NoError(t, reg.Register(idB))

	a, err := New(idA, reg, eval, task.NewStore(), local, optsA...)
	require.NoError(t, err)
	b, err := New(idB, reg, eval, task.NewStore(), local, optsB...)
	require.NoError(t, err)

	local.Bind(idA.Address, a)
	local.Bind(idB.Address, b)

	return &pair{local: local, reg: reg, eval: eval, a: a, b: b}
}

func TestNewValidation(t *testing.T) {
	reg := registry.New()
	eval := permission.NewEvaluator()
	store := task.NewStore()
	local := transport.NewLocal()

	_, err := New(registry.AgentIdentity{}, reg, eval, store, local)
	assert.Error(t, err)
	_, err = New(registry.AgentIdentity{ID: "a"}, nil, eval, store, local)
	assert.Error(t, err)
	_, err = New(registry.AgentIdentity{ID: "a"}, reg, eval, store, nil)
	assert.Error(t, err)
}

func TestSendRequestDestinationUnreachable(t *testing.T) {
	p := newPair(t, nil, nil)

	_, err := p.a.SendRequest(context.Background(), "ghost", nil, nil, time.Minute)
	assert.ErrorIs(t, err, ErrDestinationUnreachable)
}

func TestFullDelegationLifecycle(t *testing.T) {
	p := newPair(t, nil, nil)
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	ctx := context.Background()
	delegatorTask, err := p.a.SendRequest(ctx, "agent-b", json.RawMessage(`{"job":"answer"}`), []string{"task.run"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRequested, delegatorTask.Status)

	// The delegate side holds its own replica, keyed by the origin
	// message.
	delegateTask, err := p.b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRequested, delegateTask.Status)

	_, err = p.b.Accept(ctx, delegateTask.ID)
	require.NoError(t, err)

	got, err := p.a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAccepted, got.Status)

	_, err = p.b.Start(ctx, delegateTask.ID)
	require.NoError(t, err)

	got, err = p.a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)

	_, err = p.b.Respond(ctx, delegateTask.ID, json.RawMessage(`"42"`), false)
	require.NoError(t, err)

	got, err = p.a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, json.RawMessage(`"42"`), got.Result)
}

func TestFailClosedPermission(t *testing.T) {
	p := newPair(t, nil, nil)
	// agent-b is known to the evaluator but holds no grant for
	// data.read.
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	ctx := context.Background()
	delegatorTask, err := p.a.SendRequest(ctx, "agent-b", nil, []string{"data.read"}, time.Minute)
	require.NoError(t, err)

	// The rejection respond travels back synchronously over the local
	// transport, so the delegator's replica is already terminal.
	got, err := p.a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.Contains(t, got.Reason, "data.read")

	// The delegate side recorded the rejection too.
	delegateTask, err := p.b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, delegateTask.Status)
}

func TestAcceptRechecksPermissionFailClosed(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	local := transport.NewLocal()
	reg := registry.New()
	eval := permission.NewEvaluator(permission.WithClock(clock))

	idA := registry.AgentIdentity{ID: "agent-a", Address: "local://a"}
	idB := registry.AgentIdentity{ID: "agent-b", Address: "local://b"}
	require.NoError(t, reg.Register(idA))
	require.NoError(t, reg.Register(idB))

	a, err := New(idA, reg, eval, task.NewStore(), local)
	require.NoError(t, err)
	b, err := New(idB, reg, eval, task.NewStore(), local)
	require.NoError(t, err)
	local.Bind(idA.Address, a)
	local.Bind(idB.Address, b)

	require.NoError(t, eval.AddGrant(permission.Grant{
		AgentID: "agent-b", Capability: "task.run", ExpiresAt: now.Add(time.Minute),
	}))

	delegatorTask, err := a.SendRequest(context.Background(), "agent-b", nil, []string{"task.run"}, time.Hour)
	require.NoError(t, err)

	delegateTask, err := b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)

	// Grant expires between delivery and accept.
	now = now.Add(2 * time.Minute)

	_, err = b.Accept(context.Background(), delegateTask.ID)
	require.Error(t, err)

	got, err := b.Tasks().Get(delegateTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)

	got, err = a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
}

func TestDelegateIdempotence(t *testing.T) {
	p := newPair(t, nil, nil)
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	msg := envelope.NewDelegate("agent-a", "agent-b", json.RawMessage(`{}`), []string{"task.run"}, time.Minute)
	raw, err := envelope.NewCodec(0).Encode(msg)
	require.NoError(t, err)

	first, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)

	second, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, first, second, "replay must return the cached reply")

	// Exactly one task was created.
	assert.Equal(t, 1, p.b.Tasks().Len())
}

func TestMalformedInputYieldsErrorEnvelope(t *testing.T) {
	p := newPair(t, nil, nil)

	reply, err := p.b.HandleRaw(context.Background(), []byte("not an envelope"))
	require.Error(t, err)
	require.NotNil(t, reply)

	msg, derr := envelope.NewCodec(0).Decode(reply)
	require.NoError(t, derr)
	assert.Equal(t, envelope.TypeError, msg.Type)

	// The engine is unharmed; normal traffic still flows.
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))
	_, err = p.a.SendRequest(context.Background(), "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)
}

func TestRespondWithForgedCorrelationRejected(t *testing.T) {
	p := newPair(t, nil, nil)

	forged := envelope.NewRespond("agent-a", "agent-b", "never-existed", envelope.OutcomeCompleted, nil)
	raw, err := envelope.NewCodec(0).Encode(forged)
	require.NoError(t, err)

	reply, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)

	msg, derr := envelope.NewCodec(0).Decode(reply)
	require.NoError(t, derr)
	assert.Equal(t, envelope.TypeError, msg.Type)
}

func TestCancelNotifiesDelegate(t *testing.T) {
	p := newPair(t, nil, nil)
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	ctx := context.Background()
	delegatorTask, err := p.a.SendRequest(ctx, "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	cancelled, err := p.a.Cancel(ctx, delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, cancelled.Status)
	assert.Equal(t, task.ReasonCancelled, cancelled.Reason)

	// Best-effort notification reached the delegate's replica.
	delegateTask, err := p.b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)
	assert.True(t, delegateTask.Status.Terminal())
}

func TestCancelVersusRespondRace(t *testing.T) {
	p := newPair(t, nil, nil)
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	ctx := context.Background()
	delegatorTask, err := p.a.SendRequest(ctx, "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	delegateTask, err := p.b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)
	_, err = p.b.Accept(ctx, delegateTask.ID)
	require.NoError(t, err)
	_, err = p.b.Start(ctx, delegateTask.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.b.Respond(ctx, delegateTask.ID, json.RawMessage(`"done"`), false)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.a.Cancel(ctx, delegatorTask.ID)
	}()
	wg.Wait()

	got, err := p.a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())

	// The winning transition is stable under repeated reads.
	again, err := p.a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Status, again.Status)
}

func TestLivenessViaSweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	local := transport.NewLocal()
	reg := registry.New(registry.WithClock(clock))
	eval := permission.NewEvaluator()

	idA := registry.AgentIdentity{ID: "agent-a", Address: "local://a"}
	idB := registry.AgentIdentity{ID: "agent-b", Address: "local://b"}
	require.NoError(t, reg.Register(idA))
	require.NoError(t, reg.Register(idB))

	a, err := New(idA, reg, eval, task.NewStore(task.WithClock(clock)), local, WithClock(clock))
	require.NoError(t, err)
	// agent-b is bound to a black hole: envelopes vanish.
	local.Bind(idA.Address, a)
	local.Bind(idB.Address, transport.HandlerFunc(func(ctx context.Context, raw []byte) ([]byte, error) {
		return nil, errors.New("dropped")
	}))

	delegatorTask, err := a.SendRequest(context.Background(), "agent-b", nil, nil, 50*time.Millisecond)
	require.NoError(t, err)

	now = now.Add(time.Second)
	expired, _ := a.Sweep(now)
	assert.Equal(t, []string{delegatorTask.ID}, expired)

	got, err := a.Tasks().Get(delegatorTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)
	assert.Equal(t, task.ReasonTTL, got.Reason)
}

func TestSubDelegationTree(t *testing.T) {
	local := transport.NewLocal()
	reg := registry.New()
	eval := permission.NewEvaluator()

	ids := map[string]registry.AgentIdentity{
		"agent-a": {ID: "agent-a", Address: "local://a"},
		"agent-b": {ID: "agent-b", Address: "local://b"},
		"agent-c": {ID: "agent-c", Address: "local://c"},
	}
	engines := make(map[string]*Engine, len(ids))
	for id, identity := range ids {
		require.NoError(t, reg.Register(identity))
		eng, err := New(identity, reg, eval, task.NewStore(), local)
		require.NoError(t, err)
		local.Bind(identity.Address, eng)
		engines[id] = eng
	}
	require.NoError(t, eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))
	require.NoError(t, eval.AddGrant(permission.Grant{AgentID: "agent-c", Capability: "task.run"}))

	ctx := context.Background()
	rootTask, err := engines["agent-a"].SendRequest(ctx, "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	bTask, err := engines["agent-b"].TaskByOrigin(rootTask.OriginMessageID)
	require.NoError(t, err)
	_, err = engines["agent-b"].Accept(ctx, bTask.ID)
	require.NoError(t, err)
	_, err = engines["agent-b"].Start(ctx, bTask.ID)
	require.NoError(t, err)

	// B farms part of the work out to C.
	childTask, err := engines["agent-b"].SubDelegate(ctx, bTask.ID, "agent-c", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	cTask, err := engines["agent-c"].TaskByOrigin(childTask.OriginMessageID)
	require.NoError(t, err)
	_, err = engines["agent-c"].Accept(ctx, cTask.ID)
	require.NoError(t, err)
	_, err = engines["agent-c"].Start(ctx, cTask.ID)
	require.NoError(t, err)
	_, err = engines["agent-c"].Respond(ctx, cTask.ID, json.RawMessage(`"partial"`), false)
	require.NoError(t, err)

	// The child finished, but B has not reported its own completion:
	// the parent stays in_progress on both sides.
	got, err := engines["agent-b"].Tasks().Get(bTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)

	got, err = engines["agent-a"].Tasks().Get(rootTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)

	_, err = engines["agent-b"].Respond(ctx, bTask.ID, json.RawMessage(`"whole"`), false)
	require.NoError(t, err)

	got, err = engines["agent-a"].Tasks().Get(rootTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestSubDelegateRequiresInProgressParent(t *testing.T) {
	p := newPair(t, nil, nil)
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	ctx := context.Background()
	delegatorTask, err := p.a.SendRequest(ctx, "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	delegateTask, err := p.b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)

	_, err = p.b.SubDelegate(ctx, delegateTask.ID, "agent-a", nil, nil, time.Minute)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestRequestRoundTrip(t *testing.T) {
	echo := func(ctx context.Context, msg envelope.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	}
	p := newPair(t, nil, []Option{WithRequestHandler(echo)})

	msg := envelope.NewRequest("agent-a", "agent-b", json.RawMessage(`{"ping":true}`), nil, time.Minute)
	raw, err := envelope.NewCodec(0).Encode(msg)
	require.NoError(t, err)

	reply, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)

	decoded, err := envelope.NewCodec(0).Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeRespond, decoded.Type)
	assert.Equal(t, msg.ID, decoded.CorrelationID)
	assert.Equal(t, json.RawMessage(`{"ping":true}`), decoded.Payload)
}

func TestRequestWithoutHandlerRejected(t *testing.T) {
	p := newPair(t, nil, nil)

	msg := envelope.NewRequest("agent-a", "agent-b", nil, nil, time.Minute)
	raw, err := envelope.NewCodec(0).Encode(msg)
	require.NoError(t, err)

	reply, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)

	decoded, err := envelope.NewCodec(0).Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeError, decoded.Type)
}

func TestAsk(t *testing.T) {
	echo := func(ctx context.Context, msg envelope.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	}
	p := newPair(t, nil, []Option{WithRequestHandler(echo)})

	reply, err := p.a.Ask(context.Background(), "agent-b", json.RawMessage(`{"ping":true}`), nil, time.Minute)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":true}`, string(reply))

	// One-shot requests never create tasks on either side.
	assert.Equal(t, 0, p.a.Tasks().Len())
	assert.Equal(t, 0, p.b.Tasks().Len())
}

func TestAskUnknownReceiver(t *testing.T) {
	p := newPair(t, nil, nil)

	_, err := p.a.Ask(context.Background(), "agent-z", nil, nil, time.Minute)
	assert.ErrorIs(t, err, ErrDestinationUnreachable)
}

func TestAskWithoutHandlerRefused(t *testing.T) {
	p := newPair(t, nil, nil)

	_, err := p.a.Ask(context.Background(), "agent-b", nil, nil, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestDelegateHandlerInvoked(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, tk task.Task, msg envelope.Message) {
		mu.Lock()
		seen = append(seen, tk.ID)
		mu.Unlock()
	}
	p := newPair(t, nil, []Option{WithDelegateHandler(handler)})
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	_, err := p.a.SendRequest(context.Background(), "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
}

func TestMisaddressedMessageRejected(t *testing.T) {
	p := newPair(t, nil, nil)

	msg := envelope.NewDelegate("agent-a", "someone-else", nil, nil, time.Minute)
	raw, err := envelope.NewCodec(0).Encode(msg)
	require.NoError(t, err)

	reply, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)

	decoded, err := envelope.NewCodec(0).Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeError, decoded.Type)
	assert.Equal(t, 0, p.b.Tasks().Len())
}

func TestExpiredMessageRejected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	p := newPair(t, nil, []Option{WithClock(clock)})

	msg := envelope.NewDelegate("agent-a", "agent-b", nil, nil, 10*time.Millisecond)
	raw, err := envelope.NewCodec(0).Encode(msg)
	require.NoError(t, err)

	now = now.Add(time.Second)
	reply, err := p.b.HandleRaw(context.Background(), raw)
	require.NoError(t, err)

	decoded, err := envelope.NewCodec(0).Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeError, decoded.Type)
}

func TestTaskObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var statuses []task.Status
	obs := func(tk task.Task) {
		mu.Lock()
		statuses = append(statuses, tk.Status)
		mu.Unlock()
	}
	p := newPair(t, []Option{WithTaskObserver(obs)}, nil)
	require.NoError(t, p.eval.AddGrant(permission.Grant{AgentID: "agent-b", Capability: "task.run"}))

	ctx := context.Background()
	delegatorTask, err := p.a.SendRequest(ctx, "agent-b", nil, []string{"task.run"}, time.Minute)
	require.NoError(t, err)

	delegateTask, err := p.b.TaskByOrigin(delegatorTask.OriginMessageID)
	require.NoError(t, err)
	_, err = p.b.Accept(ctx, delegateTask.ID)
	require.NoError(t, err)
	_, err = p.b.Start(ctx, delegateTask.ID)
	require.NoError(t, err)
	_, err = p.b.Respond(ctx, delegateTask.ID, json.RawMessage(`"ok"`), false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []task.Status{
		task.StatusRequested,
		task.StatusAccepted,
		task.StatusInProgress,
		task.StatusCompleted,
	}, statuses)
}
