package search

import (
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/vectorindex"
)

// SearchMonitor provides hooks to observe the search process.
type SearchMonitor interface {
	Start(tenant core.TenantID, query string)
	AfterSemanticSearch(hits []vectorindex.Result)
	AfterChunkRetrieval(chunks []*core.Chunk)
	Hit(chunk *core.Chunk, similarity float32, verbatim bool)
	Finish(results []*Result)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ core.TenantID, _ string)            {}
func (n *noopMonitor) AfterSemanticSearch(_ []vectorindex.Result) {}
func (n *noopMonitor) AfterChunkRetrieval(_ []*core.Chunk)        {}
func (n *noopMonitor) Hit(_ *core.Chunk, _ float32, _ bool)       {}
func (n *noopMonitor) Finish(_ []*Result)                         {}
