package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionConfig is the persisted record of the federation this data
// directory has joined.
type SessionConfig struct {
	FederationID string
	InviteCode   string
	Network      string
	JoinedAt     time.Time
}

// OperationRecord is one row of the operation log.
type OperationRecord struct {
	ID          [32]byte
	ModuleKind  string
	Variant     string // "receive" or "pay"
	Internal    bool   // pay only
	PaymentHash [32]byte
	Invoice     string
	AmountMsat  uint64
	GatewayID   string
	CreatedAt   time.Time
}

// UpdateRecord is one state transition of an operation. Seq starts at 1 and
// is assigned by whoever produced the update.
type UpdateRecord struct {
	OperationID [32]byte
	Seq         int64
	State       string
	Reason      string
	Preimage    string
	FeeMsat     uint64
	CreatedAt   time.Time
}

// BalanceSums are the raw totals the ledger derives its balance from.
type BalanceSums struct {
	ReceivedMsat uint64
	SpentMsat    uint64
	FeesMsat     uint64
}

// DailyStat contains operation counts for a single day.
type DailyStat struct {
	Date     string
	Receives int
	Pays     int
}

// Stats contains aggregate statistics about the operation log.
type Stats struct {
	TotalOperations int
	Receives        int
	Pays            int
	ByState         map[string]int // latest state per operation, "none" if no update yet
	Oldest          time.Time
	Newest          time.Time
	DailyStats      []DailyStat
}

// Store defines the interface for ledger session persistence.
type Store interface {
	LoadClientSecret(ctx context.Context) ([]byte, error)
	SaveClientSecret(ctx context.Context, entropy []byte) error

	LoadSessionConfig(ctx context.Context) (*SessionConfig, error)
	SaveSessionConfig(ctx context.Context, cfg *SessionConfig) error

	// InsertOperation creates the operation unless one with the same ID
	// exists. created reports whether this call wrote the row.
	InsertOperation(ctx context.Context, op *OperationRecord) (created bool, err error)
	GetOperation(ctx context.Context, id [32]byte) (*OperationRecord, error)
	ListOperationsWithoutState(ctx context.Context, states []string) ([]*OperationRecord, error)

	// AppendUpdate ignores an update whose (operation, seq) was already stored.
	AppendUpdate(ctx context.Context, u *UpdateRecord) error
	ListUpdates(ctx context.Context, id [32]byte) ([]*UpdateRecord, error)

	Balance(ctx context.Context, claimedState string, failedPayStates []string) (*BalanceSums, error)
	GetStats(ctx context.Context) (*Stats, error)
	Snapshot(ctx context.Context, path string) error
	Close() error
}
