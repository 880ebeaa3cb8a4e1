package incident

import "context"

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Status  Status
	Service string
	Limit   int
}

// Store is the persistence interface for incident records. Implementations
// must support concurrent creation and lookup across many in-flight
// incidents, and Update must provide atomic read-modify-write per incident:
// fn runs under a per-incident lock (or row lock) so exactly one writer
// effects a given state transition.
type Store interface {
	// Create persists a new incident. It fails if the ID already exists.
	Create(ctx context.Context, in *Incident) error

	// Get returns a snapshot of one incident.
	Get(ctx context.Context, id string) (*Incident, bool, error)

	// List returns snapshots matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Incident, error)

	// Update applies fn to the stored incident under mutual exclusion and
	// persists the result, returning a snapshot of the updated record. If fn
	// returns an error the incident is left unchanged and the error is
	// returned as-is. Unknown IDs yield ErrNotFound.
	Update(ctx context.Context, id string, fn func(*Incident) error) (*Incident, error)
}
