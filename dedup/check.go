package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/vectorindex"
)

// Defaults for the check operations.
const (
	DefaultThreshold      = 0.8
	DefaultTopK           = 10
	DefaultMinChunkSize   = 50
	DefaultMaxResults     = 100
	DefaultTraceThreshold = 0.6
	DefaultTraceTopK      = 5
	DefaultTraceLimit     = 20
)

// CheckOptions tunes CheckContent. Zero values select the defaults.
type CheckOptions struct {
	Threshold float64
	TopK      int
}

// Match is a stored chunk similar to checked content.
type Match struct {
	ChunkID    core.ID
	Similarity float64
	Distance   float32
	Rank       int
	Content    string
	// Document is nil for chunks whose ingestion never committed.
	Document *core.Document
	Type     DuplicateType
	Risk     RiskLevel
}

// CheckStatistics summarizes a content check.
type CheckStatistics struct {
	TotalChecked      int
	DuplicatesFound   int
	DuplicateRatio    float64
	HighestSimilarity float64
	AverageSimilarity float64
}

// CheckResult is the outcome of CheckContent.
type CheckResult struct {
	Tenant     *core.Tenant
	Content    string
	Matches    []Match
	Statistics CheckStatistics
}

// CheckContent compares content against a tenant's stored vectors and
// returns the neighbours whose similarity reaches the threshold.
func (d *Detector) CheckContent(ctx context.Context, tenant core.TenantID, requester *core.Requester, content string, opts CheckOptions) (*CheckResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, core.ErrEmptyContent)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	t, err := d.authorize(ctx, tenant, requester)
	if err != nil {
		return nil, err
	}

	vector, err := d.embedText(ctx, content)
	if err != nil {
		return nil, err
	}
	results, err := d.index.Search(ctx, tenant, requester, vector, opts.TopK, vectorindex.MetricL2)
	if err != nil {
		return nil, err
	}

	ids := make([]core.ID, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	chunks, docs, err := d.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Tenant: t, Content: content}
	var total float64
	for _, r := range results {
		score := distanceToSimilarity(r.Distance)
		if score < opts.Threshold {
			continue
		}
		chunk, ok := chunks[r.ChunkID]
		if !ok {
			d.logger.Warn("index references a missing chunk", "tenant", tenant, "chunk", r.ChunkID)
			continue
		}
		res.Matches = append(res.Matches, Match{
			ChunkID:    r.ChunkID,
			Similarity: round4(score),
			Distance:   r.Distance,
			Rank:       r.Rank,
			Content:    chunk.Content,
			Document:   docs[chunk.DocumentID],
			Type:       ClassifyDuplicateType(score),
			Risk:       AssessRiskLevel(score),
		})
		total += score
		res.Statistics.HighestSimilarity = max(res.Statistics.HighestSimilarity, round4(score))
	}

	res.Statistics.TotalChecked = len(results)
	res.Statistics.DuplicatesFound = len(res.Matches)
	if len(results) > 0 {
		res.Statistics.DuplicateRatio = round4(float64(len(res.Matches)) / float64(len(results)))
	}
	if len(res.Matches) > 0 {
		res.Statistics.AverageSimilarity = round4(total / float64(len(res.Matches)))
	}
	d.logger.Info("checked content", "tenant", tenant, "checked", len(results), "duplicates", len(res.Matches))
	return res, nil
}

// BatchOptions tunes BatchCheck. Zero values select the defaults.
type BatchOptions struct {
	Threshold    float64
	MinChunkSize int
	MaxResults   int
}

// BatchStatistics summarizes a whole-tenant check.
type BatchStatistics struct {
	TotalChunks     int
	Groups          int
	DuplicateChunks int
	DuplicateRatio  float64
}

// BatchResult is the outcome of BatchCheck.
type BatchResult struct {
	Groups     []Group
	Statistics BatchStatistics
}

// BatchCheck groups near-duplicate chunks across a whole tenant. Chunks
// shorter than MinChunkSize are not considered.
func (d *Detector) BatchCheck(ctx context.Context, tenant core.TenantID, requester *core.Requester, opts BatchOptions) (*BatchResult, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if _, err := d.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}

	chunks, err := d.chunks.ListChunksByTenant(ctx, tenant, opts.MinChunkSize, 0)
	if err != nil {
		return nil, err
	}
	groups, err := d.FindDuplicateGroups(ctx, chunks, opts.Threshold, opts.MaxResults)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Groups: groups}
	res.Statistics.TotalChunks = len(chunks)
	res.Statistics.Groups = len(groups)
	for _, g := range groups {
		res.Statistics.DuplicateChunks += len(g.Members)
	}
	if len(chunks) > 0 {
		res.Statistics.DuplicateRatio = round4(float64(res.Statistics.DuplicateChunks) / float64(len(chunks)))
	}
	d.logger.Info("batch duplicate check", "tenant", tenant, "chunks", len(chunks), "groups", len(groups))
	return res, nil
}

// LengthCount is how many chunks share one content length.
type LengthCount struct {
	Length int
	Count  int
}

// TenantStats describes duplication within a tenant.
type TenantStats struct {
	TotalChunks      int
	TotalDocuments   int
	AverageChunkSize float64
	// SharedLengths lists the ten most common chunk lengths held by more than one chunk.
	SharedLengths   []LengthCount
	Groups          int
	DuplicateChunks int
	DuplicateRatio  float64
	// ByType counts grouped chunks, other than each group's first, per tier.
	ByType map[DuplicateType]int
}

// TenantStatistics reports chunk counts and duplicate distribution for a tenant.
func (d *Detector) TenantStatistics(ctx context.Context, tenant core.TenantID, requester *core.Requester, threshold float64) (*TenantStats, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if _, err := d.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}

	chunks, err := d.chunks.ListChunksByTenant(ctx, tenant, 0, 0)
	if err != nil {
		return nil, err
	}
	docs, err := d.documents.ListDocuments(ctx, tenant)
	if err != nil {
		return nil, err
	}

	stats := &TenantStats{
		TotalChunks:    len(chunks),
		TotalDocuments: len(docs),
		ByType:         make(map[DuplicateType]int),
	}
	lengths := make(map[int]int)
	total := 0
	for _, c := range chunks {
		n := utf8.RuneCountInString(c.Content)
		lengths[n]++
		total += n
	}
	if len(chunks) > 0 {
		stats.AverageChunkSize = math.Round(float64(total)/float64(len(chunks))*100) / 100
	}
	for length, count := range lengths {
		if count > 1 {
			stats.SharedLengths = append(stats.SharedLengths, LengthCount{Length: length, Count: count})
		}
	}
	sort.Slice(stats.SharedLengths, func(i, j int) bool {
		a, b := stats.SharedLengths[i], stats.SharedLengths[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Length < b.Length
	})
	if len(stats.SharedLengths) > 10 {
		stats.SharedLengths = stats.SharedLengths[:10]
	}

	groups, err := d.FindDuplicateGroups(ctx, chunks, threshold, 0)
	if err != nil {
		return nil, err
	}
	stats.Groups = len(groups)
	for _, g := range groups {
		stats.DuplicateChunks += len(g.Members)
		for _, m := range g.Members[1:] {
			stats.ByType[m.Type]++
		}
	}
	if len(chunks) > 0 {
		stats.DuplicateRatio = round4(float64(stats.DuplicateChunks) / float64(len(chunks)))
	}
	return stats, nil
}

// Scope selects which tenants TraceSources searches.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeAll    Scope = "all"
)

// TraceOptions tunes TraceSources. Zero values select the defaults.
type TraceOptions struct {
	// Origin is the tenant the content is being checked for.
	Origin    core.TenantID
	Scope     Scope
	Threshold float64
	TopK      int
	Limit     int
}

// Source is a stored chunk the traced content may have come from.
type Source struct {
	Tenant     core.TenantID
	TenantName string
	ChunkID    core.ID
	Similarity float64
	Content    string
	Document   *core.Document
	// Internal is true when the chunk belongs to the origin tenant.
	Internal bool
}

// TraceSources searches the origin tenant, or with ScopeAll every tenant the
// requester can access, for chunks resembling content. Results are ordered
// by similarity. A tenant that cannot be searched is logged and skipped.
func (d *Detector) TraceSources(ctx context.Context, requester *core.Requester, content string, opts TraceOptions) ([]Source, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, core.ErrEmptyContent)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultTraceThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTraceTopK
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultTraceLimit
	}

	var tenants []*core.Tenant
	switch opts.Scope {
	case ScopeAll:
		all, err := d.tenants.ListTenants(ctx, requester)
		if err != nil {
			return nil, err
		}
		tenants = all
	case ScopeTenant, "":
		t, err := d.authorize(ctx, opts.Origin, requester)
		if err != nil {
			return nil, err
		}
		tenants = []*core.Tenant{t}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", core.ErrValidation, opts.Scope)
	}

	vector, err := d.embedText(ctx, content)
	if err != nil {
		return nil, err
	}

	var sources []Source
	for _, t := range tenants {
		found, err := d.traceTenant(ctx, t, requester, vector, opts)
		if err != nil {
			d.logger.Error("could not trace sources in tenant", "tenant", t.ID, "err", err)
			continue
		}
		sources = append(sources, found...)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Similarity > sources[j].Similarity
	})
	if len(sources) > opts.Limit {
		sources = sources[:opts.Limit]
	}
	return sources, nil
}

func (d *Detector) traceTenant(ctx context.Context, t *core.Tenant, requester *core.Requester, vector []float32, opts TraceOptions) ([]Source, error) {
	results, err := d.index.Search(ctx, t.ID, requester, vector, opts.TopK, vectorindex.MetricL2)
	if err != nil {
		return nil, err
	}
	ids := make([]core.ID, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	chunks, docs, err := d.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []Source
	for _, r := range results {
		score := distanceToSimilarity(r.Distance)
		chunk, ok := chunks[r.ChunkID]
		if score < opts.Threshold || !ok {
			continue
		}
		out = append(out, Source{
			Tenant:     t.ID,
			TenantName: t.Name,
			ChunkID:    r.ChunkID,
			Similarity: round4(score),
			Content:    chunk.Content,
			Document:   docs[chunk.DocumentID],
			Internal:   t.ID == opts.Origin,
		})
	}
	return out, nil
}
