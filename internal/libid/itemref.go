package libid

// ItemRef is a composite (Library, Key) pair used as a map key for
// baseline lookups and download queues. Replaces ad-hoc "library/key"
// string concatenation throughout the codebase.
//
// Comparable: Go structs with comparable fields support == and map keying.
// ID contains only unexported comparable fields, so ItemRef is fully
// comparable.
type ItemRef struct {
	Library ID
	Key     string
}

// NewItemRef creates an ItemRef from a library ID and an object key.
func NewItemRef(library ID, key string) ItemRef {
	return ItemRef{Library: library, Key: key}
}

// String returns the "library/key" representation for logging and
// debugging, e.g. "group:12345/ABCD2345".
func (r ItemRef) String() string {
	return r.Library.String() + "/" + r.Key
}

// IsZero reports whether both components are zero/empty.
func (r ItemRef) IsZero() bool {
	return r.Library.IsZero() && r.Key == ""
}
