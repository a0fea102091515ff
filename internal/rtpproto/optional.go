package rtpproto

// Optional holds a value that may not have been observed or configured yet.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the held value and whether it is set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

func (o Optional[T]) IsSet() bool { return o.set }

// SetIfAbsent stores v only when nothing is held yet. It reports whether v was
// stored.
func (o *Optional[T]) SetIfAbsent(v T) bool {
	if o.set {
		return false
	}
	o.value = v
	o.set = true
	return true
}
