package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record represents a cached snapshot of one domain entity. The payload is
// opaque to the engine; domain fields are never interpreted here.
type Record struct {
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	FetchedAt  time.Time
	SourceTier string // "memory", "store" or "network" - bookkeeping only
}

// MutationKind is the type of state change a mutation requests.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// MutationStatus represents the queue state of a mutation.
type MutationStatus string

const (
	StatusPending   MutationStatus = "pending"
	StatusSyncing   MutationStatus = "syncing"
	StatusCompleted MutationStatus = "completed"
	StatusFailed    MutationStatus = "failed"
)

// Mutation is one queued state-change request awaiting delivery to the
// remote endpoint.
type Mutation struct {
	ID         string
	Kind       MutationKind
	EntityType string
	EntityID   string
	Endpoint   string
	Method     string
	Body       json.RawMessage
	Status     MutationStatus
	RetryCount int
	Timestamp  time.Time
	LastError  string
}

// ErrStorageUnavailable is returned when the underlying storage cannot be
// used (quota exceeded, corrupted file, closed handle). Callers degrade to
// network-only behavior rather than crash.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when a requested record or mutation does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable engine storage. Implementations
// must make writes durable before returning, and list operations return a
// snapshot, not a live view.
type Store interface {
	// Entity operations
	GetEntity(ctx context.Context, entityType, entityID string) (*Record, error)
	GetEntities(ctx context.Context, entityType string) ([]Record, error)
	PutEntity(ctx context.Context, rec *Record) error
	BulkPutEntities(ctx context.Context, recs []Record) error
	DeleteEntity(ctx context.Context, entityType, entityID string) error
	DeleteEntities(ctx context.Context, entityType string) error
	ClearAll(ctx context.Context) error

	// Mutation queue operations
	PutMutation(ctx context.Context, m *Mutation) error
	// UpdateMutation rewrites an existing row. Unlike PutMutation it never
	// resurrects a deleted mutation: if the row is gone it returns
	// ErrNotFound, which is how a cancelled mutation's in-flight result gets
	// discarded.
	UpdateMutation(ctx context.Context, m *Mutation) error
	GetMutation(ctx context.Context, id string) (*Mutation, error)
	DeleteMutation(ctx context.Context, id string) error
	// MutationsByStatus returns mutations with the given status ordered by
	// ascending timestamp.
	MutationsByStatus(ctx context.Context, status MutationStatus) ([]Mutation, error)
	// CountMutationsByStatus returns queue counts grouped by status.
	CountMutationsByStatus(ctx context.Context) (map[MutationStatus]int, error)

	// Connection management
	Close() error
}

// GenerateID generates a unique identifier using UUID v4. Used for mutation
// IDs and locally created entity IDs.
func GenerateID() string {
	return uuid.New().String()
}
