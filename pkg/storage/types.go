// Package storage defines the uniform adapter contract (C2) that every backend —
// memory, local filesystem, browser-private filesystem, and S3-compatible object
// store — implements identically, plus the shared Noun/Verb/Metadata data model they
// persist.
package storage

import "time"

// NounType is one of the closed set of entity type tags. Unknown tags observed on
// ingest are coerced to TypeConcept by the graph store (C9), which records a warning
// rather than rejecting the write.
type NounType string

const (
	TypePerson   NounType = "Person"
	TypePlace    NounType = "Place"
	TypeThing    NounType = "Thing"
	TypeEvent    NounType = "Event"
	TypeConcept  NounType = "Concept"
	TypeContent  NounType = "Content"
	TypeGroup    NounType = "Group"
	TypeList     NounType = "List"
	TypeCategory NounType = "Category"
)

// DefaultNounType is substituted for unrecognized noun type tags.
const DefaultNounType = TypeConcept

var validNounTypes = map[NounType]bool{
	TypePerson: true, TypePlace: true, TypeThing: true, TypeEvent: true,
	TypeConcept: true, TypeContent: true, TypeGroup: true, TypeList: true,
	TypeCategory: true,
}

// IsValidNounType reports whether t is one of the closed set of noun types.
func IsValidNounType(t NounType) bool { return validNounTypes[t] }

// VerbType is one of the closed set of directed relationship type tags.
type VerbType string

const (
	VerbRelatedTo  VerbType = "RelatedTo"
	VerbControls   VerbType = "Controls"
	VerbContains   VerbType = "Contains"
	VerbMemberOf   VerbType = "MemberOf"
	VerbWorksWith  VerbType = "WorksWith"
	VerbFollows    VerbType = "Follows"
	VerbLikes      VerbType = "Likes"
	VerbCreated    VerbType = "Created"
	VerbReportsTo  VerbType = "ReportsTo"
	VerbSupervises VerbType = "Supervises"
)

// DefaultVerbType is substituted for unrecognized verb type tags.
const DefaultVerbType = VerbRelatedTo

var validVerbTypes = map[VerbType]bool{
	VerbRelatedTo: true, VerbControls: true, VerbContains: true, VerbMemberOf: true,
	VerbWorksWith: true, VerbFollows: true, VerbLikes: true, VerbCreated: true,
	VerbReportsTo: true, VerbSupervises: true,
}

// IsValidVerbType reports whether t is one of the closed set of verb types.
func IsValidVerbType(t VerbType) bool { return validVerbTypes[t] }

// CreatedBy attributes a write to the augmentation (or host application) that
// produced it.
type CreatedBy struct {
	Augmentation string `json:"augmentation,omitempty"`
	Version      string `json:"version,omitempty"`
}

// Noun is a stored entity: a vector plus a typed, timestamped, soft-deletable
// envelope of metadata.
type Noun struct {
	ID          string                 `json:"id"`
	Vector      []float32              `json:"vector,omitempty"`
	Type        NounType               `json:"type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CreatedBy   CreatedBy              `json:"createdBy,omitempty"`
	Deleted     bool                   `json:"deleted"`
	Service     string                 `json:"service,omitempty"`
	Placeholder bool                   `json:"placeholder,omitempty"`
	// EmbeddedVerbs carries inline outbound edges for O(1) traversal; the graph
	// store also duplicates each into the verb store for global indexing (§4.9).
	EmbeddedVerbs []Verb `json:"embeddedVerbs,omitempty"`
}

// Verb is a directed, typed relationship between two nouns.
type Verb struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       VerbType               `json:"type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Confidence float64                `json:"confidence"`
	Weight     float64                `json:"weight"`
	Vector     []float32              `json:"vector,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	CreatedBy  CreatedBy              `json:"createdBy,omitempty"`
	Service    string                 `json:"service,omitempty"`
	Deleted    bool                   `json:"deleted"`
}

// ChangeOp is the operation recorded in a change-log entry.
type ChangeOp string

const (
	ChangeAdd    ChangeOp = "add"
	ChangeDelete ChangeOp = "delete"
	ChangeUpdate ChangeOp = "update"
)

// ChangeEntity names the kind of object a change-log entry describes.
type ChangeEntity string

const (
	EntityNoun     ChangeEntity = "noun"
	EntityVerb     ChangeEntity = "verb"
	EntityMetadata ChangeEntity = "metadata"
)

// ChangeLogEntry is one append-only record of a mutation, used by peers to refresh
// in-memory indexes without rescanning storage (§4.5).
type ChangeLogEntry struct {
	Timestamp time.Time    `json:"ts"`
	Seq       uint64       `json:"seq"`
	Op        ChangeOp     `json:"op"`
	Entity    ChangeEntity `json:"entity"`
	ID        string       `json:"id"`
	Writer    string       `json:"writer"`
	Digest    string       `json:"digest"`
}

// Lock describes the holder and deadline of a distributed lock object, as stored at
// locks/{name} (§4.5, §4.3).
type Lock struct {
	Holder   string    `json:"holder"`
	Deadline time.Time `json:"deadline"`
	Token    string    `json:"token"`
}

// Expired reports whether the lock's TTL has passed as of now.
func (l Lock) Expired(now time.Time) bool { return now.After(l.Deadline) }

// ServiceCounts holds the per-kind object counts attributed to one writer-of-record
// service label.
type ServiceCounts struct {
	NounCount     int64 `json:"nounCount"`
	VerbCount     int64 `json:"verbCount"`
	MetadataCount int64 `json:"metadataCount"`
}

// StatisticsSnapshot is the daily-partitioned aggregate described in §3: per-service
// counts plus the global HNSW index size.
type StatisticsSnapshot struct {
	Partition     string                   `json:"partition"` // YYYYMMDD (UTC); adapters key it as statistics_YYYYMMDD
	Services      map[string]ServiceCounts `json:"services"`
	HNSWIndexSize int64                    `json:"hnswIndexSize"`
}

// StatKind names one of the three countable object kinds.
type StatKind string

const (
	StatNoun     StatKind = "noun"
	StatVerb     StatKind = "verb"
	StatMetadata StatKind = "metadata"
)

// StorageType identifies which of the four backends an adapter implements.
type StorageType string

const (
	Memory      StorageType = "memory"
	Filesystem  StorageType = "filesystem"
	BrowserFS   StorageType = "browserfs"
	ObjectStore StorageType = "objectstore"
)

// Status reports the backend's type and resource usage, surfaced by storageStatus().
type Status struct {
	Type        StorageType `json:"type"`
	UsedBytes   int64       `json:"usedBytes"`
	QuotaBytes  int64       `json:"quotaBytes,omitempty"`
	Details     string      `json:"details,omitempty"`
}

// ListOptions controls pagination and filtering for ListNouns/ListVerbs.
type ListOptions struct {
	TypeFilter string // noun or verb type tag; empty means no filter
	BySource   string // verb listing only
	ByTarget   string // verb listing only
	Cursor     string
	Limit      int
	IncludeDeleted bool
}

// Page is a single page of results plus the cursor to fetch the next one. NextCursor
// is empty when there are no more results.
type Page[T any] struct {
	Items      []T
	NextCursor string
}
