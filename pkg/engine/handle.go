package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentwire/agentwire/pkg/envelope"
	"github.com/agentwire/agentwire/pkg/observability"
	"github.com/agentwire/agentwire/pkg/permission"
	"github.com/agentwire/agentwire/pkg/task"
)

// HandleRaw decodes one inbound envelope, deduplicates it, routes it
// by type, and returns the raw synchronous reply (an ack or error
// envelope). A malformed input yields a best-effort error envelope and
// a non-nil error; it never disturbs unrelated tasks or agents.
func (e *Engine) HandleRaw(ctx context.Context, raw []byte) ([]byte, error) {
	msg, err := e.codec.Decode(raw)
	if err != nil {
		var decErr *envelope.DecodeError
		if errors.As(err, &decErr) {
			observability.RecordMessageRejected(string(decErr.Reason))
		} else {
			observability.RecordMessageRejected("decode")
		}
		// Sender identity is unknown on a decode failure; the reply
		// travels on the synchronous channel only.
		reply := envelope.NewError(e.self.ID, "unknown", "", err.Error())
		if rawReply, encErr := e.codec.Encode(reply); encErr == nil {
			return rawReply, err
		}
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "engine.HandleMessage",
		trace.WithAttributes(
			attribute.String("message_id", msg.ID),
			attribute.String("message_type", string(msg.Type)),
			attribute.String("sender_id", msg.SenderID),
		))
	defer span.End()

	// Idempotence: a replayed message returns the reply computed the
	// first time, without re-executing any transition.
	if cached, seen := e.window.lookup(msg.ID); seen {
		observability.RecordDuplicateMessage()
		return cached, nil
	}

	observability.RecordMessage("inbound", string(msg.Type))
	// Any message from an agent counts as a liveness signal.
	e.registry.Touch(msg.SenderID)

	reply := e.route(ctx, msg)
	rawReply, err := e.codec.Encode(reply)
	if err != nil {
		return nil, fmt.Errorf("encode reply for %s: %w", msg.ID, err)
	}
	e.window.remember(msg.ID, rawReply)
	return rawReply, nil
}

// route applies per-type handling and produces the synchronous reply.
func (e *Engine) route(ctx context.Context, msg envelope.Message) envelope.Message {
	if msg.ReceiverID != e.self.ID {
		return e.protocolError(msg, fmt.Sprintf("message addressed to %s, not %s", msg.ReceiverID, e.self.ID))
	}
	if msg.Expired(e.now()) {
		observability.RecordMessageRejected("ttl_elapsed")
		return e.protocolError(msg, "message ttl elapsed")
	}

	switch msg.Type {
	case envelope.TypeDelegate:
		return e.handleDelegate(ctx, msg)
	case envelope.TypeRequest:
		return e.handleRequest(ctx, msg)
	case envelope.TypeRespond:
		return e.handleRespond(ctx, msg)
	case envelope.TypeError:
		return e.handleError(ctx, msg)
	case envelope.TypeAck:
		e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)
		return envelope.NewAck(e.self.ID, msg.SenderID, msg.ID)
	default:
		return e.protocolError(msg, fmt.Sprintf("unroutable message type %q", msg.Type))
	}
}

// handleDelegate records a new inbound delegation. Permission is
// checked before any state mutation: a denial produces a rejected task
// and a rejection respond, never a silent drop.
func (e *Engine) handleDelegate(ctx context.Context, msg envelope.Message) envelope.Message {
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)

	if err := e.evaluator.Authorize(msg.SenderID, e.self.ID, msg.CapabilitiesRequired); err != nil {
		var denied *permission.DeniedError
		if errors.As(err, &denied) {
			observability.RecordPermissionDenial(string(denied.Reason))
		}

		t, cerr := e.tasks.Create(newTaskID(), msg.ID, msg.SenderID, e.self.ID, msg.Deadline(), "")
		if cerr == nil {
			e.indexOrigin(msg.ID, t.ID)
			if rejected, rerr := e.tasks.Reject(t.ID, err.Error()); rerr == nil {
				e.notify(rejected)
				observability.RecordTaskTransition(string(rejected.Status))
			}
		}
		e.respondAsync(ctx, msg, envelope.OutcomeRejected, mustJSON(err.Error()))
		return e.protocolError(msg, err.Error())
	}

	t, err := e.tasks.Create(newTaskID(), msg.ID, msg.SenderID, e.self.ID, msg.Deadline(), "")
	if err != nil {
		return e.protocolError(msg, err.Error())
	}
	e.indexOrigin(msg.ID, t.ID)
	e.rememberCaps(t.ID, msg.CapabilitiesRequired)
	e.notify(t)
	observability.RecordTaskTransition(string(t.Status))

	if e.onDelegate != nil {
		e.onDelegate(ctx, t, msg)
	}
	return envelope.NewAck(e.self.ID, msg.SenderID, msg.ID)
}

// handleRequest answers a one-shot request without creating a task.
func (e *Engine) handleRequest(ctx context.Context, msg envelope.Message) envelope.Message {
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)

	if err := e.evaluator.Authorize(msg.SenderID, e.self.ID, msg.CapabilitiesRequired); err != nil {
		var denied *permission.DeniedError
		if errors.As(err, &denied) {
			observability.RecordPermissionDenial(string(denied.Reason))
		}
		return e.protocolError(msg, err.Error())
	}

	if e.onRequest == nil {
		return e.protocolError(msg, "agent does not serve requests")
	}

	result, err := e.onRequest(ctx, msg)
	if err != nil {
		return e.protocolError(msg, err.Error())
	}
	reply := envelope.NewRespond(e.self.ID, msg.SenderID, msg.ID, envelope.OutcomeCompleted, result)
	e.history.record(reply.ID, reply.SenderID, reply.ReceiverID)
	return reply
}

// handleRespond applies a delegate's status report to the local task
// replica. The correlation ID must cite a message previously seen with
// the agent pair reversed.
func (e *Engine) handleRespond(ctx context.Context, msg envelope.Message) envelope.Message {
	if !e.history.reversed(msg.CorrelationID, msg.SenderID, msg.ReceiverID) {
		observability.RecordMessageRejected("bad_correlation")
		return e.protocolError(msg, fmt.Sprintf("correlation id %s does not reference a prior exchange", msg.CorrelationID))
	}
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)

	t, err := e.TaskByOrigin(msg.CorrelationID)
	if err != nil {
		return e.protocolError(msg, err.Error())
	}

	var updated task.Task
	switch msg.Outcome {
	case envelope.OutcomeAccepted:
		updated, err = e.tasks.Accept(t.ID)
	case envelope.OutcomeRejected:
		updated, err = e.tasks.Reject(t.ID, rejectionReason(msg))
	case envelope.OutcomeStarted:
		updated, err = e.catchUp(t, task.StatusAccepted)
		if err == nil {
			updated, err = e.tasks.Start(t.ID)
		}
	case envelope.OutcomeCompleted:
		updated, err = e.catchUp(t, task.StatusInProgress)
		if err == nil {
			updated, err = e.tasks.Complete(t.ID, msg.Payload)
		}
	case envelope.OutcomeFailed:
		updated, err = e.catchUp(t, task.StatusInProgress)
		if err == nil {
			updated, err = e.tasks.Fail(t.ID, "delegate reported failure", msg.Payload)
		}
	default:
		return e.protocolError(msg, fmt.Sprintf("respond with unknown outcome %q", msg.Outcome))
	}
	if err != nil {
		// Terminal races and duplicate starts surface here; the remote
		// party learns the authoritative local view.
		return e.protocolError(msg, err.Error())
	}

	e.notify(updated)
	observability.RecordTaskTransition(string(updated.Status))
	return envelope.NewAck(e.self.ID, msg.SenderID, msg.ID)
}

// handleError fails the task referenced by the correlation ID, if any.
// An explicit remote error is authoritative for the delegation.
func (e *Engine) handleError(ctx context.Context, msg envelope.Message) envelope.Message {
	e.history.record(msg.ID, msg.SenderID, msg.ReceiverID)

	t, err := e.TaskByOrigin(msg.CorrelationID)
	if err != nil {
		// Errors about unknown exchanges are logged and acked; there
		// is nothing to mutate.
		log.Printf("agentwire: error message %s for unknown exchange %s: %s", msg.ID, msg.CorrelationID, msg.Payload)
		return envelope.NewAck(e.self.ID, msg.SenderID, msg.ID)
	}
	if t.Status.Terminal() {
		return envelope.NewAck(e.self.ID, msg.SenderID, msg.ID)
	}

	updated, err := e.tasks.Fail(t.ID, errorReason(msg), msg.Payload)
	if err != nil {
		// A requested or accepted task cancelled remotely.
		updated, err = e.tasks.Reject(t.ID, errorReason(msg))
	}
	if err == nil {
		e.notify(updated)
		observability.RecordTaskTransition(string(updated.Status))
	}
	return envelope.NewAck(e.self.ID, msg.SenderID, msg.ID)
}

// catchUp advances the delegator's replica through transitions whose
// respond messages were lost, up to the given floor. At-least-once
// delivery means a completion can arrive before a start was ever seen.
func (e *Engine) catchUp(t task.Task, floor task.Status) (task.Task, error) {
	cur, err := e.tasks.Get(t.ID)
	if err != nil {
		return cur, err
	}
	if cur.Status == task.StatusRequested {
		if cur, err = e.tasks.Accept(t.ID); err != nil {
			return cur, err
		}
	}
	if floor == task.StatusInProgress && cur.Status == task.StatusAccepted {
		if cur, err = e.tasks.Start(t.ID); err != nil {
			return cur, err
		}
	}
	return cur, nil
}

// respondAsync delivers a respond envelope outside the synchronous
// reply channel, best-effort.
func (e *Engine) respondAsync(ctx context.Context, inbound envelope.Message, outcome envelope.Outcome, payload json.RawMessage) {
	dest, err := e.registry.Lookup(inbound.SenderID)
	if err != nil {
		return
	}
	reply := envelope.NewRespond(e.self.ID, inbound.SenderID, inbound.ID, outcome, payload)
	e.history.record(reply.ID, reply.SenderID, reply.ReceiverID)
	raw, err := e.codec.Encode(reply)
	if err != nil {
		return
	}
	if err := e.send(ctx, dest.Address, raw, reply.Type); err != nil {
		log.Printf("agentwire: async respond to %s failed: %v", inbound.SenderID, err)
	}
}

func (e *Engine) protocolError(msg envelope.Message, reason string) envelope.Message {
	reply := envelope.NewError(e.self.ID, msg.SenderID, msg.ID, reason)
	e.history.record(reply.ID, reply.SenderID, reply.ReceiverID)
	return reply
}

func rejectionReason(msg envelope.Message) string {
	if len(msg.Payload) > 0 {
		var reason string
		if err := json.Unmarshal(msg.Payload, &reason); err == nil && reason != "" {
			return reason
		}
	}
	return "delegate rejected the task"
}

func errorReason(msg envelope.Message) string {
	if len(msg.Payload) > 0 {
		var reason string
		if err := json.Unmarshal(msg.Payload, &reason); err == nil && reason != "" {
			return reason
		}
	}
	return "remote error"
}

func mustJSON(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
