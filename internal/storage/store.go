package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cluster-load-driver/cld/internal/config"
	"github.com/cluster-load-driver/cld/internal/logging"
	"github.com/cluster-load-driver/cld/internal/workload"
)

// Store defines the operation surface the workload drives against the
// target cluster
type Store interface {
	// FindOne reports whether a document with the given key exists
	FindOne(ctx context.Context, key workload.DocumentKey) (bool, error)

	// InsertOne writes a single document
	InsertOne(ctx context.Context, doc *workload.Document) error

	// InsertBatch writes a batch of documents in one round trip
	InsertBatch(ctx context.Context, docs []*workload.Document) error

	// UpdateOne increments the document's update counter and refreshes its
	// timestamp, creating the document when it does not exist
	UpdateOne(ctx context.Context, key workload.DocumentKey, ts time.Time) error

	// Count returns the number of stored documents
	Count(ctx context.Context) (int64, error)

	// Ping verifies connectivity to the cluster
	Ping(ctx context.Context) error

	// Close releases the underlying connections
	Close(ctx context.Context) error
}

// StorageError wraps a driver failure with the operation and key it hit.
// Transient marks failures worth retrying on a later attempt (transport
// drops, timeouts) as opposed to persistent ones (schema, bad requests).
type StorageError struct {
	Op        string
	Key       string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s key=%s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Open selects a store implementation by URI scheme: grpc:// and grpcs://
// connect to YDB, memory:// returns the in-process store used by tests and
// local smoke runs.
func Open(ctx context.Context, cfg config.TargetConfig, topology workload.Topology, logger logging.Logger) (Store, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid target URI %q: %w", cfg.URI, err)
	}

	switch u.Scheme {
	case "grpc", "grpcs":
		return NewYDBStore(ctx, cfg, topology, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported target URI scheme %q (expected grpc, grpcs or memory)", u.Scheme)
	}
}
