package hsm

import "context"

// dispatchOne routes msg to the current leaf, bubbling
// through ancestors until a non-Unhandled result is produced, then
// carry out whatever that result implies.
func (m *Machine) dispatchOne(goCtx context.Context, msg any) ProcessedMessage {
	if m.currentLeaf.kind == KindFinalLeaf {
		return ProcessedMessage{Kind: UnhandledKind, Message: msg}
	}
	if msg == stopSentinel {
		return m.runStop(goCtx, msg)
	}

	var notified []StateKey
	var handlingState *TreeNode
	var result MessageResult
	handled := false

	for n := m.currentLeaf; n != nil && !handled; n = n.parent {
		notified = append(notified, n.key)
		var panicErr error
		mctx := &MessageContext{ctx: goCtx, machine: m, message: msg, handlingState: n, currentLeaf: m.currentLeaf}
		r := n.filters.runMessage(mctx, n.onMessage, &panicErr)
		if panicErr != nil {
			return ProcessedMessage{
				Kind:           Failed,
				Message:        msg,
				NotifiedStates: notified,
				HandlingState:  n.key,
				Err:            &HandlerError{State: n.key, Phase: "onMessage", Err: panicErr},
			}
		}
		if r.kind != resultUnhandled {
			result = r
			handlingState = n
			handled = true
		}
	}

	if !handled {
		return ProcessedMessage{Kind: UnhandledKind, Message: msg, NotifiedStates: notified}
	}

	switch result.kind {
	case resultGoTo:
		if result.target.Equal(m.currentLeaf.key) && !result.reenter {
			return ProcessedMessage{Kind: Handled, Message: msg, NotifiedStates: notified, HandlingState: handlingState.key}
		}
		target, ok := m.nodeByKey[result.target]
		if !ok {
			return ProcessedMessage{Kind: Failed, Message: msg, NotifiedStates: notified, HandlingState: handlingState.key, Err: ErrStateNotFound}
		}
		tr, err := m.execute(goCtx, transitionRequest{
			from:          m.currentLeaf,
			to:            target,
			reenterTarget: result.reenter,
			history:       result.history,
			handlingState: handlingState,
			action:        result.action,
			payload:       result.payload,
			metadata:      result.metadata,
		})
		if err != nil {
			return m.asFailed(msg, notified, handlingState.key, err)
		}
		return ProcessedMessage{Kind: Handled, Message: msg, NotifiedStates: notified, HandlingState: handlingState.key, Transition: tr}

	case resultInternal:
		return ProcessedMessage{Kind: Handled, Message: msg, NotifiedStates: notified, HandlingState: handlingState.key}

	case resultSelfTransition:
		tr, err := m.execute(goCtx, transitionRequest{
			selfTransitionOf: handlingState,
			handlingState:    handlingState,
			action:           result.action,
			payload:          result.payload,
			metadata:         result.metadata,
		})
		if err != nil {
			return m.asFailed(msg, notified, handlingState.key, err)
		}
		return ProcessedMessage{Kind: Handled, Message: msg, NotifiedStates: notified, HandlingState: handlingState.key, Transition: tr}

	case resultStop:
		return m.runStop(goCtx, msg)

	default:
		return ProcessedMessage{Kind: UnhandledKind, Message: msg, NotifiedStates: notified}
	}
}

func (m *Machine) asFailed(msg any, notified []StateKey, handling StateKey, err error) ProcessedMessage {
	return ProcessedMessage{Kind: Failed, Message: msg, NotifiedStates: notified, HandlingState: handling, Err: err}
}

// runStop transitions to the reserved stopped finalLeaf, the same
// path taken by an ordinary Stop result.
func (m *Machine) runStop(goCtx context.Context, msg any) ProcessedMessage {
	if m.currentLeaf == m.stoppedNode {
		return ProcessedMessage{Kind: Handled, Message: msg}
	}
	tr, err := m.execute(goCtx, transitionRequest{from: m.currentLeaf, to: m.stoppedNode})
	if err != nil {
		return ProcessedMessage{Kind: Failed, Message: msg, Err: err}
	}
	m.lifecycle.onStopTransitionComplete()
	return ProcessedMessage{Kind: Handled, Message: msg, Transition: tr}
}
