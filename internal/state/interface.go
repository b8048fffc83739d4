package state

import "io"

// SessionStore handles session persistence operations.
type SessionStore interface {
	SaveSession(s *Session) error
	LoadSession(id string) (*Session, error)
	ListSessions(limit int) ([]Summary, error)
	DeleteSession(id string) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore defines the interface for state persistence.
// The session manager depends on it rather than on the SQLite implementation.
type StateStore interface {
	io.Closer
	Migrator
	SessionStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore   = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
)
