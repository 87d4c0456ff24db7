package hsm

import (
	"context"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// redirectRequest records a pending ctx.RedirectTo call, consulted by
// the transition engine right after an onEnter handler returns.
type redirectRequest struct {
	target  StateKey
	opts    []GoToOption
	hasData bool
}

// TransitionContext is bound to one in-progress transition. It is
// passed to exit handlers, the transition action, entry
// handlers, and initial-child selectors for the duration of that
// transition only - it must not be retained past the handler call it
// was passed to.
type TransitionContext struct {
	ctx           context.Context
	machine       *Machine
	handlingState *TreeNode
	ownerNode     *TreeNode
	payload       any
	metadata      *orderedmap.OrderedMap[string, any]
	enteredKeys   []StateKey
	exitedKeys    []StateKey
	redirect      *redirectRequest
}

// Context returns the ambient context.Context for cancellation-aware
// suspending operations.
func (c *TransitionContext) Context() context.Context { return c.ctx }

// Entered returns the keys entered so far during this transition, in
// entry order.
func (c *TransitionContext) Entered() []StateKey { return append([]StateKey(nil), c.enteredKeys...) }

// Exited returns the keys exited so far during this transition, in
// exit order.
func (c *TransitionContext) Exited() []StateKey { return append([]StateKey(nil), c.exitedKeys...) }

// HandlingState returns the node whose onMessage produced the result
// this transition is carrying out, or nil for a transition started by
// Start/loadFrom rather than a message.
func (c *TransitionContext) HandlingState() StateKey {
	if c.handlingState == nil {
		return nil
	}
	return c.handlingState.key
}

// Payload returns the caller-supplied payload attached via WithPayload.
func (c *TransitionContext) Payload() any { return c.payload }

// Metadata returns the transition's mutable metadata map. Handlers may
// add entries; the final map is copied onto the resulting Transition
// record.
func (c *TransitionContext) Metadata() *orderedmap.OrderedMap[string, any] {
	if c.metadata == nil {
		c.metadata = orderedmap.New[string, any]()
	}
	return c.metadata
}

// RedirectTo aborts the in-progress entry path and continues entry
// towards target instead. Must be called from within an onEnter
// handler or a data state's initial-value producer; has no effect
// otherwise.
func (c *TransitionContext) RedirectTo(target StateKey, opts ...GoToOption) {
	c.redirect = &redirectRequest{target: target, opts: opts}
}

// Post enqueues msg at the tail of the machine's message queue from
// within a running handler.
func (c *TransitionContext) Post(msg any) *Future[ProcessedMessage] {
	return c.machine.post(msg)
}

// Schedule registers a timer owned by the node currently being
// entered or exited. The timer fires by enqueueing produce()'s result;
// on that node's exit all its timers are cancelled.
func (c *TransitionContext) Schedule(produce func() any, d time.Duration, periodic bool) (Disposable, error) {
	return c.machine.scheduler.schedule(c.ownerNode, produce, d, periodic)
}

// Data looks up the DataValue for key among currently-active states,
// walking from the engine's current leaf towards the root. Returns
// ErrStateNotFound if no currently-active state matching key holds a
// data value (unless D is Void). Once the state exits, the returned
// DataValue's methods fail with ErrUseAfterClose.
func Data[D any](c *TransitionContext, key DataStateKey[D]) (DataValue[D], error) {
	return dataLookup[D](c.machine, key)
}

// MessageContext is bound to one message's dispatch as it bubbles from
// the current leaf towards the root.
type MessageContext struct {
	ctx           context.Context
	machine       *Machine
	message       any
	handlingState *TreeNode
	currentLeaf   *TreeNode
}

// Context returns the ambient context.Context.
func (c *MessageContext) Context() context.Context { return c.ctx }

// Message returns the message being dispatched.
func (c *MessageContext) Message() any { return c.message }

// HandlingState returns the node whose onMessage is currently running.
func (c *MessageContext) HandlingState() StateKey { return c.handlingState.key }

// CurrentLeaf returns the engine's active leaf at the time dispatch
// began.
func (c *MessageContext) CurrentLeaf() StateKey { return c.currentLeaf.key }

// Post enqueues msg at the tail of the machine's message queue.
func (c *MessageContext) Post(msg any) *Future[ProcessedMessage] {
	return c.machine.post(msg)
}

// Schedule registers a timer owned by the node currently handling the
// message.
func (c *MessageContext) Schedule(produce func() any, d time.Duration, periodic bool) (Disposable, error) {
	return c.machine.scheduler.schedule(c.handlingState, produce, d, periodic)
}

// MessageData looks up the DataValue for key among currently-active
// states, for use from a message handler.
func MessageData[D any](c *MessageContext, key DataStateKey[D]) (DataValue[D], error) {
	return dataLookup[D](c.machine, key)
}

// voidBox is a shared, always-holding box for Void-typed lookups: a
// Void data value is a unit value, not a real container, so reading it
// never fails even when the matching node declared no data binding at
// all.
var voidBox = &dataValueBox{state: dvHolding, value: Void{}, stream: newBroadcaster[any](true)}

// dataLookup is shared by Data and MessageData.
func dataLookup[D any](m *Machine, key DataStateKey[D]) (DataValue[D], error) {
	var zero D
	_, isVoid := any(zero).(Void)

	for n := m.currentLeaf; n != nil; n = n.parent {
		if n.key.Equal(key) {
			box, ok := m.dataValues[n]
			if !ok {
				if isVoid {
					return DataValue[D]{box: voidBox}, nil
				}
				return DataValue[D]{}, ErrStateNotFound
			}
			return DataValue[D]{box: box}, nil
		}
	}
	if isVoid {
		return DataValue[D]{box: voidBox}, nil
	}
	return DataValue[D]{}, ErrStateNotFound
}
