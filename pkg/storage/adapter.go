package storage

import (
	"context"
	"time"
)

// Adapter is the uniform contract every backend (memory, local-fs, browser-fs,
// object-store) implements identically (§4.2). The query orchestrator and graph
// store depend only on this interface, never on a concrete backend.
type Adapter interface {
	// Lifecycle.
	Init(ctx context.Context) error
	Close(ctx context.Context) error
	Clear(ctx context.Context) error
	StorageStatus(ctx context.Context) (Status, error)

	// Nouns.
	SaveNoun(ctx context.Context, n *Noun) error
	GetNoun(ctx context.Context, id string) (*Noun, error)
	DeleteNoun(ctx context.Context, id string) error
	ListNouns(ctx context.Context, opts ListOptions) (Page[*Noun], error)

	// Verbs.
	SaveVerb(ctx context.Context, v *Verb) error
	GetVerb(ctx context.Context, id string) (*Verb, error)
	DeleteVerb(ctx context.Context, id string) error
	ListVerbs(ctx context.Context, opts ListOptions) (Page[*Verb], error)

	// Metadata (oversized metadata blobs stored separately from their owning noun).
	SaveMetadata(ctx context.Context, id string, m map[string]interface{}) error
	GetMetadata(ctx context.Context, id string) (map[string]interface{}, error)

	// Change log.
	AppendChangeLog(ctx context.Context, entry ChangeLogEntry) error
	GetChangesSince(ctx context.Context, since time.Time) (<-chan ChangeLogEntry, error)

	// Statistics.
	SaveStatistics(ctx context.Context, s StatisticsSnapshot) error
	GetStatistics(ctx context.Context, partition string) (StatisticsSnapshot, error)
	IncrementStatistic(ctx context.Context, kind StatKind, service string, delta int64) error
	UpdateHNSWIndexSize(ctx context.Context, n int64) error
	FlushStatisticsToStorage(ctx context.Context) error

	// Distributed coordination.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, err error)
	ReleaseLock(ctx context.Context, name string, token string) error
}
