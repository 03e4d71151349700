package chat

import "io"

// Uploads persists attachment payloads.
type Uploads interface {
	// Save stores the bytes read from r under a name derived from name and
	// returns the path written.
	Save(name string, r io.Reader) (string, error)
}

// State is the cross-session mutable state of one server instance.
type State struct {
	Registry *Registry
	Store    *Store
	Uploads  Uploads
}
