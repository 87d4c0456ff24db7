package hsm

type dvState int

const (
	dvEmpty dvState = iota
	dvHolding
	dvClosed
)

// dataValueBox is the type-erased runtime value backing one active
// data state's DataValue. The typed DataValue[D] wrapper in
// this file type-asserts against it; the box itself stores `any` so
// TreeNode/machine bookkeeping can hold one uniform map regardless of
// each state's D.
type dataValueBox struct {
	state   dvState
	value   any
	initial func(ctx *TransitionContext) (any, error)
	stream  *broadcaster[any]
}

func newDataValueBox(initial func(ctx *TransitionContext) (any, error)) *dataValueBox {
	return &dataValueBox{state: dvEmpty, initial: initial, stream: newBroadcaster[any](true)}
}

// ensure computes the lazy initial value on first read. A panicking
// producer is recovered into an error, the same as entry/exit handlers.
func (b *dataValueBox) ensure(ctx *TransitionContext) (err error) {
	if b.state == dvHolding {
		return nil
	}
	if b.state == dvClosed {
		return ErrUseAfterClose
	}
	defer func() {
		if r := recover(); r != nil {
			err = unwrapPanic(r)
		}
	}()
	v, err := b.initial(ctx)
	if err != nil {
		return err
	}
	b.state = dvHolding
	b.value = v
	b.stream.publish(b.value)
	return nil
}

func (b *dataValueBox) seed(v any) {
	b.state = dvHolding
	b.value = v
	b.stream.publish(b.value)
}

func (b *dataValueBox) get() (any, error) {
	if b.state != dvHolding {
		return nil, ErrUseAfterClose
	}
	return b.value, nil
}

func (b *dataValueBox) update(f func(any) any) (any, error) {
	if b.state != dvHolding {
		return nil, ErrUseAfterClose
	}
	b.value = f(b.value)
	b.stream.publish(b.value)
	return b.value, nil
}

// close drains listeners and transitions to Closed. Subsequent
// reads fail with ErrUseAfterClose.
func (b *dataValueBox) close() {
	if b.state == dvClosed {
		return
	}
	b.state = dvClosed
	b.stream.close()
}

// DataValue is the observable value container for one currently-active
// data state, created on entry and destroyed on exit. A
// DataValue obtained before a state was exited and re-entered is a
// stale handle: once its underlying box is closed, every method
// returns ErrUseAfterClose forever - callers must re-acquire the
// DataValue (e.g. via DataValueOf) after re-entry.
type DataValue[D any] struct {
	box *dataValueBox
}

// Get returns the current value. Valid only while the state is
// active; returns ErrUseAfterClose otherwise.
func (d DataValue[D]) Get(ctx *TransitionContext) (D, error) {
	var zero D
	if d.box == nil {
		return zero, ErrUseAfterClose
	}
	if err := d.box.ensure(ctx); err != nil {
		return zero, err
	}
	v, err := d.box.get()
	if err != nil {
		return zero, err
	}
	return v.(D), nil
}

// Update reads the current value, computes a new one via f, stores it
// and notifies subscribers. Identity of successive values need
// not differ - update-in-place is legal.
func (d DataValue[D]) Update(ctx *TransitionContext, f func(D) D) (D, error) {
	var zero D
	if d.box == nil {
		return zero, ErrUseAfterClose
	}
	if err := d.box.ensure(ctx); err != nil {
		return zero, err
	}
	v, err := d.box.update(func(cur any) any { return f(cur.(D)) })
	if err != nil {
		return zero, err
	}
	return v.(D), nil
}

// Stream returns a channel of subsequent values, plus a cancel
// function. A new subscriber immediately receives the current value
// if the state is Holding.
func (d DataValue[D]) Stream() (<-chan D, func()) {
	if d.box == nil {
		ch := make(chan D)
		close(ch)
		return ch, func() {}
	}
	raw, cancel := d.box.stream.subscribe()
	out := make(chan D, streamBufferSize)
	go func() {
		defer close(out)
		for v := range raw {
			select {
			case out <- v.(D):
			default:
			}
		}
	}()
	return out, cancel
}

// Void is the distinguished data type for states declared through the
// data-typed key API with "no data". Accessing a Void data value
// always succeeds with the zero value, even for a node with no data
// binding at all: it is a unit value, not a real container.
type Void struct{}

// DataCodec (de)serializes a data state's value for the snapshot codec
// for snapshotting. States without a codec are skipped by saveTo.
type DataCodec[D any] struct {
	Encode func(D) ([]byte, error)
	Decode func([]byte) (D, error)
}

func (c DataCodec[D]) encodeAny(v any) ([]byte, error) {
	return c.Encode(v.(D))
}

func (c DataCodec[D]) decodeAny(data []byte) (any, error) {
	return c.Decode(data)
}
