package hsm

import "reflect"

// StateKey is the opaque identity of a state. Two flavors exist: a
// plain key constructed with NewKey, and a data-typed key constructed
// with NewDataKey[D], which additionally binds a static data type D.
// Identity of a data-typed key is (type, name); a plain key and a
// data-typed key never compare equal even if they share a name -
// equality never crosses the plain/typed boundary.
//
// StateKey values are comparable with == only when obtained from the
// same constructor; prefer the Equal method or letting the tree
// builder hand you back the same key value it was given.
type StateKey interface {
	// Name returns the display name of the key.
	Name() string
	// Equal reports whether k and other identify the same state.
	Equal(other StateKey) bool
	// String returns a display form, used by diagrams and snapshots.
	String() string

	isStateKey()
}

type plainKey struct {
	name string
}

// NewKey constructs a plain StateKey carrying only a name. Two plain
// keys are equal iff their names are equal.
func NewKey(name string) StateKey {
	return plainKey{name: name}
}

func (k plainKey) Name() string   { return k.name }
func (k plainKey) String() string { return k.name }
func (k plainKey) isStateKey()    {}

func (k plainKey) Equal(other StateKey) bool {
	o, ok := other.(plainKey)
	return ok && o.name == k.name
}

// dataKeyTag is a distinct identity per instantiation of
// DataStateKey[D], used so keys with the same name but different D are
// never equal to one another.
type dataKeyTag struct {
	typeName string
}

// DataStateKey is a StateKey that additionally carries a static data
// type D as a phantom marker, so data lookups against it are resolved
// at compile time instead of via reflection.
type DataStateKey[D any] struct {
	name string
	tag  *dataKeyTag
}

// dataKeyTagFor memoizes one *dataKeyTag per instantiated D so that
// every NewDataKey[D] call for the same D shares identity, while two
// different D's never do. Keyed by reflect.Type rather than a
// formatted type name: for an interface-typed D, fmt.Sprintf("%T", ...)
// on the zero value always yields "<nil>" regardless of which
// interface it is, since the zero value carries no dynamic type;
// reflect.TypeOf((*D)(nil)).Elem() recovers D's static type instead, so
// two different interface D's still get distinct tags.
var dataKeyTagFor = func() func(t reflect.Type, mk func() *dataKeyTag) *dataKeyTag {
	tags := map[reflect.Type]*dataKeyTag{}
	return func(t reflect.Type, mk func() *dataKeyTag) *dataKeyTag {
		if tag, ok := tags[t]; ok {
			return tag
		}
		tag := mk()
		tags[t] = tag
		return tag
	}
}()

// NewDataKey constructs a data-typed StateKey for data type D. Every
// call with the same D (regardless of call site) shares one identity
// tag, so NewDataKey[int]("s") == NewDataKey[int]("s") in identity but
// NewDataKey[int]("s") != NewDataKey[string]("s").
func NewDataKey[D any](name string) DataStateKey[D] {
	t := reflect.TypeOf((*D)(nil)).Elem()
	tag := dataKeyTagFor(t, func() *dataKeyTag { return &dataKeyTag{typeName: t.String()} })
	return DataStateKey[D]{name: name, tag: tag}
}

func (k DataStateKey[D]) Name() string   { return k.name }
func (k DataStateKey[D]) String() string { return k.name }
func (k DataStateKey[D]) isStateKey()    {}

func (k DataStateKey[D]) Equal(other StateKey) bool {
	o, ok := other.(DataStateKey[D])
	return ok && o.tag == k.tag && o.name == k.name
}

// isSelfOrAncestor walks from n to the root, returning true if key k
// identifies n or any of its ancestors.
func isSelfOrAncestor(n *TreeNode, k StateKey) bool {
	for s := n; s != nil; s = s.parent {
		if s.key.Equal(k) {
			return true
		}
	}
	return false
}
