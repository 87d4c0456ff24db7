package hsm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// snapshotVersion is the only format version this codec currently
// emits or accepts.
const snapshotVersion = "1.0"

// snapshotStateRecord is one entry of the snapshot's states array,
// leaf-first.
type snapshotStateRecord struct {
	Key              string          `json:"key"`
	EncodedStateData json.RawMessage `json:"encodedStateData,omitempty"`
	DataVersion      string          `json:"dataVersion"`
}

type snapshotDocument struct {
	Version string                `json:"version"`
	States  []snapshotStateRecord `json:"states"`
}

// SaveTo serializes the currently-active state path, leaf to root, as
// a single JSON object. Data states without a configured
// codec are skipped.
func (m *Machine) SaveTo(w io.Writer) *Future[struct{}] {
	fut := newFuture[struct{}]()
	doc := snapshotDocument{Version: snapshotVersion}
	for n := m.currentLeaf; n != nil; n = n.parent {
		rec := snapshotStateRecord{Key: n.key.String(), DataVersion: snapshotVersion}
		if n.data != nil && n.data.codec != nil {
			if box, ok := m.dataValues[n]; ok && box.state == dvHolding {
				encoded, err := n.data.codec.encodeAny(box.value)
				if err != nil {
					fut.fail(fmt.Errorf("hsm: encode state %s: %w", n.key.Name(), err))
					return fut
				}
				rec.EncodedStateData = encoded
			}
		}
		doc.States = append(doc.States, rec)
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		fut.fail(err)
		return fut
	}
	fut.resolve(struct{}{})
	return fut
}

// LoadFrom parses a snapshot previously produced by SaveTo, validates
// it against the tree, and starts the engine at the recorded leaf with
// the recorded data values.
func (m *Machine) LoadFrom(r io.Reader) *Future[CurrentState] {
	fut := newFuture[CurrentState]()

	if m.lifecycle.current() != Constructed && m.lifecycle.current() != Stopped {
		fut.fail(ErrInvalidLifecycle)
		return fut
	}

	var doc snapshotDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		fut.fail(err)
		return fut
	}
	if dec.More() {
		fut.fail(fmt.Errorf("hsm: snapshot source contains more than one JSON value"))
		return fut
	}
	if len(doc.States) == 0 {
		fut.fail(fmt.Errorf("hsm: snapshot has no states"))
		return fut
	}

	nodes := make([]*TreeNode, len(doc.States))
	for i, rec := range doc.States {
		n, ok := m.findNodeByKeyString(rec.Key)
		if !ok {
			fut.fail(ErrUnknownState)
			return fut
		}
		nodes[i] = n
	}

	for i := 0; i < len(nodes)-1; i++ {
		if nodes[i].parent != nodes[i+1] {
			fut.fail(ErrMismatchedActivePath)
			return fut
		}
	}
	if nodes[len(nodes)-1] != m.root {
		fut.fail(ErrMismatchedActivePath)
		return fut
	}

	overrides := map[*TreeNode]any{}
	for i, n := range nodes {
		if n.data == nil || n.data.codec == nil || doc.States[i].EncodedStateData == nil {
			continue
		}
		v, err := n.data.codec.decodeAny(doc.States[i].EncodedStateData)
		if err != nil {
			fut.fail(fmt.Errorf("hsm: decode state %s: %w", n.key.Name(), err))
			return fut
		}
		overrides[n] = v
	}

	leaf := nodes[0]
	startFut := m.Start(context.Background(), StartAt(leaf), withDataOverrides(overrides))
	go func() {
		cs, err := startFut.Wait()
		if err != nil {
			fut.fail(err)
			return
		}
		fut.resolve(cs)
	}()
	return fut
}

func (m *Machine) findNodeByKeyString(s string) (*TreeNode, bool) {
	for _, n := range m.nodeByKey {
		if n.key.String() == s {
			return n, true
		}
	}
	return nil, false
}
