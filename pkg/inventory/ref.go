package inventory

// Ref is a back-reference from an entity to its owner. Entities living in the
// inventory hold resolved references; detached entities produced by suppliers
// or decoded from the store only carry the owner's name. EmbedInto and
// UnlinkFrom are the only places a name is turned into a live link.
type Ref[T any] struct {
	obj  *T
	name string
}

type keyed[T any] interface {
	*T
	Key() string
}

// Resolved returns a reference bound to a live object.
func Resolved[T any, P keyed[T]](obj P) Ref[T] {
	if obj == nil {
		return Ref[T]{}
	}
	return Ref[T]{obj: (*T)(obj), name: obj.Key()}
}

// Unresolved returns a reference that only knows the owner's name.
func Unresolved[T any](name string) Ref[T] {
	return Ref[T]{name: name}
}

// Name returns the natural key of the referenced object.
func (r Ref[T]) Name() string {
	return r.name
}

// Get returns the live object, or nil when the reference is unresolved.
func (r Ref[T]) Get() *T {
	return r.obj
}

func (r Ref[T]) IsResolved() bool {
	return r.obj != nil
}

// Detach drops the live pointer and keeps the name.
func (r Ref[T]) Detach() Ref[T] {
	return Ref[T]{name: r.name}
}
