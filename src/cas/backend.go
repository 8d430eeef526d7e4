package cas

import "context"

// A Backend is a single remote or local blob store. Client composes one
// write Backend with an ordered slice of read Backends (§4.1, §9
// "Polymorphic CAS"); two interchangeable implementations exist, httpstore
// and dirstore, selectable at construction time.
type Backend interface {
	// Put uploads key/data, making the object world-readable when the
	// underlying store supports canned ACLs.
	Put(ctx context.Context, key string, data []byte) error
	// Get downloads the bytes stored under key. It returns a *NotFoundError
	// if the key isn't present.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports which of keys are NOT present in the backend.
	Exists(ctx context.Context, keys []string) (missing []string, err error)
	// Name identifies the backend for logging and the "same namespace"
	// consistency check in §4.2.4.
	Name() string
}

// NotFoundError is returned by Backend.Get when the key has no blob.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return "not found: " + e.Key }
