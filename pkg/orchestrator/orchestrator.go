// Package orchestrator implements the read/write state machine in front of
// the vector index and graph store: mode gating, embedding dispatch,
// fallback lookup, placeholder endpoints, and bulk import/export, per §4.10.
package orchestrator

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/graphvec/corevdb/pkg/cache"
	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/graphstore"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/statistics"
	"github.com/graphvec/corevdb/pkg/storage"
)

// importConcurrency bounds how many records within one batch embed and write
// concurrently, the backpressure knob named in §5.
const importConcurrency = 8

// Mode is one of the three process-global operating modes of §4.10's table.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeReadOnly  Mode = "read-only"
	ModeWriteOnly Mode = "write-only"
)

// VectorIndex is the subset of pkg/index's HNSW/Optimized surface the
// orchestrator drives. Both satisfy it directly.
type VectorIndex interface {
	Insert(id string, v []float32) error
	Search(query []float32, k int, ef int) ([]string, []float32, error)
	Delete(id string) error
}

// EmbedFunc turns text into a vector. Supplied by the host application; the
// orchestrator never embeds itself.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Options configures an Orchestrator.
type Options struct {
	// OversamplingFactor scales k into the candidate set size passed to the
	// index before post-filtering and reranking. Defaults to 4.
	OversamplingFactor int
	Embed              EmbedFunc
	// Cache, when set, interposes the read-through/write-behind noun cache
	// (§4.11) between the orchestrator and graph storage.
	Cache *cache.Manager
}

// Orchestrator is the single entry point for add/search/addVerb/update/
// delete/import/export, gated by the current Mode.
type Orchestrator struct {
	mu sync.RWMutex

	mode Mode

	index VectorIndex
	graph *graphstore.Store
	stats *statistics.Engine
	log   logx.Logger
	cache *cache.Manager

	oversample int
	embed      EmbedFunc
}

// New creates an Orchestrator in normal mode.
func New(index VectorIndex, graph *graphstore.Store, stats *statistics.Engine, log logx.Logger, opts Options) *Orchestrator {
	if opts.OversamplingFactor <= 0 {
		opts.OversamplingFactor = 4
	}
	return &Orchestrator{
		mode:       ModeNormal,
		index:      index,
		graph:      graph,
		stats:      stats,
		log:        log,
		cache:      opts.Cache,
		oversample: opts.OversamplingFactor,
		embed:      opts.Embed,
	}
}

// getNoun resolves id through the cache when one is configured, falling back
// to a direct graph lookup otherwise. It preserves graphstore.Store.GetNoun's
// contract of returning corevdberr.ErrNotFound rather than a nil noun.
func (o *Orchestrator) getNoun(ctx context.Context, id string) (*storage.Noun, error) {
	if o.cache == nil {
		return o.graph.GetNoun(ctx, id)
	}
	n, err := o.cache.GetNoun(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, corevdberr.ErrNotFound
	}
	return n, nil
}

// SetMode changes the operating mode at runtime. Mode is process-local: it is
// never propagated through the change log (§9 Open Question decision).
func (o *Orchestrator) SetMode(m Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mode = m
}

func (o *Orchestrator) currentMode() Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// AddInput describes one record to add. Exactly one of Vector or Text should
// be set; Text is embedded via Options.Embed.
type AddInput struct {
	ID       string
	Vector   []float32
	Text     string
	Type     storage.NounType
	Metadata map[string]interface{}
	Service  string
}

func (o *Orchestrator) resolveVector(ctx context.Context, in AddInput) ([]float32, error) {
	if len(in.Vector) > 0 {
		return in.Vector, nil
	}
	if in.Text == "" {
		return nil, corevdberr.New(corevdberr.DimensionMismatch, "add requires a vector or text to embed")
	}
	if o.embed == nil {
		return nil, corevdberr.New(corevdberr.Fatal, "no embed function configured for text input")
	}
	return o.embed(ctx, in.Text)
}

// Add inserts a new noun, or updates an existing one when in.ID already
// exists (the "duplicate-id race becomes update" rule of §4.10).
func (o *Orchestrator) Add(ctx context.Context, in AddInput) (*storage.Noun, error) {
	mode := o.currentMode()
	if mode == ModeReadOnly {
		return nil, corevdberr.ErrReadOnlyViolation
	}

	vec, err := o.resolveVector(ctx, in)
	if err != nil {
		return nil, err
	}

	if in.ID != "" {
		if existing, err := o.getNoun(ctx, in.ID); err == nil {
			existing.Vector = vec
			existing.Metadata = in.Metadata
			existing.Service = in.Service
			return o.reinsertNoun(ctx, existing)
		} else if !corevdberr.IsCode(err, corevdberr.NotFound) {
			return nil, err
		}
	}

	n := &storage.Noun{
		ID:       in.ID,
		Vector:   vec,
		Type:     in.Type,
		Metadata: in.Metadata,
		Service:  in.Service,
	}
	saved, err := o.graph.AddNoun(ctx, n)
	if err != nil {
		return nil, err
	}
	if mode != ModeReadOnly {
		if err := o.index.Insert(saved.ID, saved.Vector); err != nil {
			o.log.Warn("index insert failed after storage write", "id", saved.ID, "error", err)
		}
	}
	if o.stats != nil {
		o.stats.Increment(storage.StatNoun, saved.Service, 1)
	}
	if o.cache != nil {
		if err := o.cache.PutNoun(ctx, saved); err != nil {
			o.log.Warn("cache write-behind failed", "id", saved.ID, "error", err)
		}
	}
	return saved, nil
}

func (o *Orchestrator) reinsertNoun(ctx context.Context, n *storage.Noun) (*storage.Noun, error) {
	saved, err := o.graph.UpdateNoun(ctx, n.ID, func(existing *storage.Noun) {
		existing.Vector = n.Vector
		existing.Metadata = n.Metadata
		existing.Service = n.Service
	})
	if err != nil {
		return nil, err
	}
	if err := o.index.Insert(saved.ID, saved.Vector); err != nil {
		o.log.Warn("index re-insert failed", "id", saved.ID, "error", err)
	}
	if o.cache != nil {
		if err := o.cache.PutNoun(ctx, saved); err != nil {
			o.log.Warn("cache write-behind failed", "id", saved.ID, "error", err)
		}
	}
	return saved, nil
}

// SearchResult pairs a hydrated noun with its distance from the query.
type SearchResult struct {
	Noun     *storage.Noun
	Distance float32
}

// Search takes a query vector (embedding text is the caller's
// responsibility; Search never calls Options.Embed); it runs the index over an
// oversampled candidate set, hydrates metadata, applies an optional
// MongoDB-like post-filter, and returns the top k.
func (o *Orchestrator) Search(ctx context.Context, query []float32, k int, filter map[string]interface{}) ([]SearchResult, error) {
	mode := o.currentMode()
	if mode == ModeWriteOnly {
		return nil, corevdberr.ErrWriteOnlyViolation
	}

	candidateK := k * o.oversample
	ids, dists, err := o.index.Search(query, candidateK, candidateK)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(ids))
	for i, id := range ids {
		n, err := o.getNoun(ctx, id)
		if err != nil {
			if corevdberr.IsCode(err, corevdberr.NotFound) {
				// Fallback lookup: the index can reference ids that storage no
				// longer holds; skip rather than fail the whole search.
				// (Tombstoned nouns are returned and skipped just below.)
				continue
			}
			return nil, err
		}
		if n.Deleted || n.Placeholder {
			continue
		}
		if filter != nil && !matchFilter(n.Metadata, filter) {
			continue
		}
		out = append(out, SearchResult{Noun: n, Distance: dists[i]})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// AddVerb creates a directed relationship, checking endpoint existence
// according to the current mode's rules.
func (o *Orchestrator) AddVerb(ctx context.Context, src, tgt string, vtype storage.VerbType, metadata map[string]interface{}, autoCreateMissingNouns bool) (*storage.Verb, error) {
	mode := o.currentMode()
	if mode == ModeReadOnly {
		return nil, corevdberr.ErrReadOnlyViolation
	}

	if mode != ModeWriteOnly {
		for _, id := range []string{src, tgt} {
			if _, err := o.getNoun(ctx, id); err != nil {
				if !corevdberr.IsCode(err, corevdberr.NotFound) {
					return nil, err
				}
				if !autoCreateMissingNouns {
					return nil, corevdberr.Wrap(corevdberr.NotFound, "verb endpoint missing", err)
				}
				if _, err := o.graph.AddNoun(ctx, &storage.Noun{ID: id, Placeholder: true}); err != nil {
					return nil, err
				}
			}
		}
	}

	v := &storage.Verb{Source: src, Target: tgt, Type: vtype, Metadata: metadata}
	saved, err := o.graph.AddVerb(ctx, v)
	if err != nil {
		return nil, err
	}
	if o.stats != nil {
		o.stats.Increment(storage.StatVerb, saved.Service, 1)
	}
	return saved, nil
}

// Update mutates an existing noun. A vector change deletes and re-inserts the
// node in the index; a metadata-only change skips index work entirely.
func (o *Orchestrator) Update(ctx context.Context, id string, vector []float32, metadata map[string]interface{}) (*storage.Noun, error) {
	if o.currentMode() == ModeReadOnly {
		return nil, corevdberr.ErrReadOnlyViolation
	}

	reindex := len(vector) > 0
	n, err := o.graph.UpdateNoun(ctx, id, func(existing *storage.Noun) {
		if reindex {
			existing.Vector = vector
		}
		if metadata != nil {
			existing.Metadata = metadata
		}
	})
	if err != nil {
		return nil, err
	}
	if reindex {
		_ = o.index.Delete(id)
		if err := o.index.Insert(id, n.Vector); err != nil {
			o.log.Warn("index re-insert failed on update", "id", id, "error", err)
		}
	}
	if o.cache != nil {
		if err := o.cache.PutNoun(ctx, n); err != nil {
			o.log.Warn("cache write-behind failed", "id", n.ID, "error", err)
		}
	}
	return n, nil
}

// Delete removes a noun. Soft by default; hard removes it from both index and
// storage, and cascade (implied by hard in this implementation) removes
// incident verbs.
func (o *Orchestrator) Delete(ctx context.Context, id string, hard bool) error {
	if o.currentMode() == ModeReadOnly {
		return corevdberr.ErrReadOnlyViolation
	}
	if hard {
		_ = o.index.Delete(id)
	}
	if o.cache != nil {
		o.cache.Invalidate(id)
	}
	return o.graph.DeleteNoun(ctx, id, hard)
}

// ImportReport summarizes a bulk ingest: per-record embedding failures are
// skipped rather than aborting the whole batch.
type ImportReport struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// Import ingests records in batches of batchSize, respecting §4.10's
// per-record-failure-does-not-abort-batch rule. Within a batch, up to
// importConcurrency records embed and write concurrently (§5's
// backpressure requirement); the next batch only starts once the current
// one fully drains.
func (o *Orchestrator) Import(ctx context.Context, records []AddInput, batchSize int) (*ImportReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	report := &ImportReport{}
	var reportMu sync.Mutex

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(importConcurrency)
		for _, rec := range batch {
			rec := rec
			g.Go(func() error {
				_, err := o.Add(gctx, rec)
				reportMu.Lock()
				defer reportMu.Unlock()
				if err != nil {
					report.Failed++
					report.Errors = append(report.Errors, err.Error())
					return nil
				}
				report.Succeeded++
				return nil
			})
		}
		// Every g.Go closure swallows its own error into the report, so Wait
		// only ever surfaces ctx cancellation.
		if err := g.Wait(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ImportFormat names one of the supported bulk-ingest source encodings (§4.10:
// "Supports arrays, CSV, JSON, streams").
type ImportFormat string

const (
	ImportArray ImportFormat = "array"
	ImportJSON  ImportFormat = "json"
	ImportCSV   ImportFormat = "csv"
)

// ImportFromReader decodes records from r according to format and runs them
// through Import. ImportArray/ImportJSON both expect a JSON array of AddInput;
// ImportCSV expects a header row followed by one record per line.
func (o *Orchestrator) ImportFromReader(ctx context.Context, format ImportFormat, r io.Reader, batchSize int) (*ImportReport, error) {
	var records []AddInput
	switch format {
	case ImportArray, ImportJSON:
		if err := json.NewDecoder(r).Decode(&records); err != nil {
			return nil, corevdberr.Wrap(corevdberr.Fatal, "decode json import", err)
		}
	case ImportCSV:
		decoded, err := decodeCSVRecords(r)
		if err != nil {
			return nil, err
		}
		records = decoded
	default:
		return nil, corevdberr.New(corevdberr.InvalidType, "unsupported import format: "+string(format))
	}
	return o.Import(ctx, records, batchSize)
}

// decodeCSVRecords parses a header row plus one AddInput per subsequent row.
// Recognized columns: id, type, service, text, vector (a ";"-separated float
// list, since "," is already the field delimiter), metadata (a JSON object).
// Unrecognized columns are ignored.
func decodeCSVRecords(r io.Reader) ([]AddInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, corevdberr.Wrap(corevdberr.Fatal, "read csv import", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	records := make([]AddInput, 0, len(rows)-1)
	for _, row := range rows[1:] {
		in := AddInput{
			ID:      field(row, "id"),
			Type:    storage.NounType(field(row, "type")),
			Service: field(row, "service"),
		}
		if v := field(row, "vector"); v != "" {
			vec, err := parseCSVVector(v)
			if err != nil {
				return nil, err
			}
			in.Vector = vec
		}
		if v := field(row, "text"); v != "" {
			in.Text = v
		}
		if m := field(row, "metadata"); m != "" {
			var meta map[string]interface{}
			if err := json.Unmarshal([]byte(m), &meta); err != nil {
				return nil, corevdberr.Wrap(corevdberr.Fatal, "decode csv metadata column", err)
			}
			in.Metadata = meta
		}
		records = append(records, in)
	}
	return records, nil
}

// parseCSVVector parses a ";"-separated list of floats, the in-cell delimiter
// a csv-encoded vector column uses since "," already separates CSV fields.
func parseCSVVector(field string) ([]float32, error) {
	parts := strings.Split(field, ";")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, corevdberr.Wrap(corevdberr.Fatal, "parse csv vector component", err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

// ExportFormat names one of the four supported export shapes.
type ExportFormat string

const (
	ExportJSON       ExportFormat = "json"
	ExportEmbeddings ExportFormat = "embeddings"
	ExportGraph      ExportFormat = "graph"
	ExportCSV        ExportFormat = "csv"
)

// ExportGraphPayload is the {nodes, edges} shape for ExportGraph.
type ExportGraphPayload struct {
	Nodes []*storage.Noun `json:"nodes"`
	Edges []*storage.Verb `json:"edges"`
}

// Export dumps nouns (and, for ExportGraph, verbs) according to format,
// respecting filter and limit via opts.
func (o *Orchestrator) Export(ctx context.Context, format ExportFormat, opts storage.ListOptions) (interface{}, error) {
	page, err := o.graph.ListNouns(ctx, opts)
	if err != nil {
		return nil, err
	}
	switch format {
	case ExportEmbeddings:
		out := make(map[string][]float32, len(page.Items))
		for _, n := range page.Items {
			out[n.ID] = n.Vector
		}
		return out, nil
	case ExportGraph:
		verbPage, err := o.graph.ListVerbs(ctx, storage.ListOptions{Limit: opts.Limit})
		if err != nil {
			return nil, err
		}
		return &ExportGraphPayload{Nodes: page.Items, Edges: verbPage.Items}, nil
	case ExportCSV:
		return encodeCSV(page.Items)
	case ExportJSON:
		return page.Items, nil
	default:
		return nil, corevdberr.New(corevdberr.InvalidType, "unsupported export format: "+string(format))
	}
}

// encodeCSV writes one header row (id,vector,type,service,metadata) followed
// by one row per noun. The vector column uses ";" to separate components
// since "," already delimits CSV fields; metadata is JSON-encoded inline.
func encodeCSV(nouns []*storage.Noun) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "vector", "type", "service", "metadata"}); err != nil {
		return nil, corevdberr.Wrap(corevdberr.Fatal, "write csv header", err)
	}
	for _, n := range nouns {
		comps := make([]string, len(n.Vector))
		for i, f := range n.Vector {
			comps[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		metaJSON := ""
		if len(n.Metadata) > 0 {
			b, err := json.Marshal(n.Metadata)
			if err != nil {
				return nil, corevdberr.Wrap(corevdberr.Fatal, "marshal csv metadata column", err)
			}
			metaJSON = string(b)
		}
		row := []string{n.ID, strings.Join(comps, ";"), string(n.Type), n.Service, metaJSON}
		if err := w.Write(row); err != nil {
			return nil, corevdberr.Wrap(corevdberr.Fatal, "write csv row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, corevdberr.Wrap(corevdberr.Fatal, "flush csv", err)
	}
	return []byte(buf.String()), nil
}
