package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/dedup"
	"github.com/poiesic/kbingest/reembed"
	"github.com/poiesic/kbingest/search"
	"github.com/poiesic/kbingest/vectorindex"
	"github.com/urfave/cli/v2"
)

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find the chunks most similar to a query",
		ArgsUsage: "<query>...",
		Action:    searchAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "kb",
				Usage:    "Knowledge base to search",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of results",
				Value:   5,
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Print each search stage",
			},
		},
	}
}

// traceMonitor prints search stages to a writer.
type traceMonitor struct {
	w     io.Writer
	start time.Time
}

func (m *traceMonitor) Start(tenant core.TenantID, query string) {
	m.start = time.Now()
	fmt.Fprintf(m.w, "searching %s for %q\n", tenant, query)
}

func (m *traceMonitor) AfterSemanticSearch(hits []vectorindex.Result) {
	fmt.Fprintf(m.w, "  %d index candidates\n", len(hits))
}

func (m *traceMonitor) AfterChunkRetrieval(chunks []*core.Chunk) {
	fmt.Fprintf(m.w, "  %d chunks loaded\n", len(chunks))
}

func (m *traceMonitor) Hit(chunk *core.Chunk, similarity float32, verbatim bool) {
	fmt.Fprintf(m.w, "  chunk %d similarity %.4f verbatim=%t\n", chunk.ID, similarity, verbatim)
}

func (m *traceMonitor) Finish(results []*search.Result) {
	fmt.Fprintf(m.w, "  %d results in %s\n", len(results), time.Since(m.start).Round(time.Millisecond))
}

func searchAction(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("search: a query is required")
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	var monitor search.SearchMonitor
	if c.Bool("trace") {
		monitor = &traceMonitor{w: c.App.ErrWriter}
	}
	results, err := svc.Searcher().FindSimilarWithMonitor(c.Context, core.TenantID(c.String("kb")), req, query, c.Int("limit"), monitor)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(c.App.Writer, "No results")
		return nil
	}
	for i, r := range results {
		name := "(uncommitted)"
		if r.Document != nil {
			name = r.Document.Name
		}
		marker := ""
		if r.Verbatim {
			marker = " *"
		}
		fmt.Fprintf(c.App.Writer, "%d. [%.4f%s] %s #%d\n   %s\n", i+1, r.Score, marker, name, r.Chunk.Index, truncate(r.Chunk.Content, 160))
	}
	return nil
}

// contentArg reads the text to check from --file, stdin ("-") or the arguments.
func contentArg(c *cli.Context) (string, error) {
	if path := c.String("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if c.Args().First() == "-" {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return strings.Join(c.Args().Slice(), " "), nil
}

func dedupCommand() *cli.Command {
	kbFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "kb", Usage: "Knowledge base", Required: true}
	}
	thresholdFlag := func() cli.Flag {
		return &cli.Float64Flag{
			Name:  "threshold",
			Usage: "Minimum similarity counted as a duplicate (defaults to the configured threshold)",
		}
	}
	fileFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "file", Usage: "Read the content from a file"}
	}
	return &cli.Command{
		Name:  "dedup",
		Usage: "Detect duplicated content",
		Subcommands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "Compare content against a knowledge base",
				ArgsUsage: "[text... | -]",
				Action:    dedupCheckAction,
				Flags: []cli.Flag{
					kbFlag(), thresholdFlag(), fileFlag(),
					&cli.IntFlag{Name: "top-k", Usage: "Neighbours to examine", Value: dedup.DefaultTopK},
				},
			},
			{
				Name:   "batch",
				Usage:  "Group near-duplicate chunks across a knowledge base",
				Action: dedupBatchAction,
				Flags: []cli.Flag{
					kbFlag(), thresholdFlag(),
					&cli.IntFlag{Name: "min-size", Usage: "Ignore chunks shorter than this"},
					&cli.IntFlag{Name: "max-groups", Usage: "Stop after this many groups", Value: dedup.DefaultMaxResults},
				},
			},
			{
				Name:   "stats",
				Usage:  "Summarize chunk sizes and duplication in a knowledge base",
				Action: dedupStatsAction,
				Flags:  []cli.Flag{kbFlag(), thresholdFlag()},
			},
			{
				Name:      "trace",
				Usage:     "Find where content may have come from",
				ArgsUsage: "[text... | -]",
				Action:    dedupTraceAction,
				Flags: []cli.Flag{
					kbFlag(), fileFlag(),
					&cli.Float64Flag{Name: "threshold", Usage: "Minimum similarity", Value: dedup.DefaultTraceThreshold},
					&cli.BoolFlag{Name: "all", Usage: "Search every knowledge base you can access"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of sources", Value: dedup.DefaultTraceLimit},
				},
			},
		},
	}
}

func threshold(c *cli.Context, configured float64) float64 {
	if c.IsSet("threshold") {
		return c.Float64("threshold")
	}
	return configured
}

func dedupCheckAction(c *cli.Context) error {
	content, err := contentArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Detector().CheckContent(c.Context, core.TenantID(c.String("kb")), req, content, dedup.CheckOptions{
		Threshold: threshold(c, svc.Config().Dedup.Threshold),
		TopK:      c.Int("top-k"),
	})
	if err != nil {
		return err
	}
	w := c.App.Writer
	st := res.Statistics
	fmt.Fprintf(w, "Checked %d neighbours in %s: %d duplicates (highest %.4f, average %.4f)\n",
		st.TotalChecked, res.Tenant.ID, st.DuplicatesFound, st.HighestSimilarity, st.AverageSimilarity)
	for _, m := range res.Matches {
		name := "(uncommitted)"
		if m.Document != nil {
			name = m.Document.Name
		}
		fmt.Fprintf(w, "%d. %.4f %s risk=%s %s\n   %s\n", m.Rank, m.Similarity, m.Type, m.Risk, name, truncate(m.Content, 160))
	}
	return nil
}

func dedupBatchAction(c *cli.Context) error {
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Detector().BatchCheck(c.Context, core.TenantID(c.String("kb")), req, dedup.BatchOptions{
		Threshold:    threshold(c, svc.Config().Dedup.Threshold),
		MinChunkSize: c.Int("min-size"),
		MaxResults:   c.Int("max-groups"),
	})
	if err != nil {
		return err
	}
	w := c.App.Writer
	st := res.Statistics
	fmt.Fprintf(w, "%d chunks, %d groups, %d duplicated chunks (%.2f%%)\n",
		st.TotalChunks, st.Groups, st.DuplicateChunks, st.DuplicateRatio*100)
	for i, g := range res.Groups {
		fmt.Fprintf(w, "Group %d:\n", i+1)
		for _, m := range g.Members {
			fmt.Fprintf(w, "  chunk %d (doc %d) %.4f %s: %s\n", m.Chunk.ID, m.Chunk.DocumentID, m.Similarity, m.Type, truncate(m.Chunk.Content, 100))
		}
	}
	return nil
}

func dedupStatsAction(c *cli.Context) error {
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.Detector().TenantStatistics(c.Context, core.TenantID(c.String("kb")), req, threshold(c, svc.Config().Dedup.Threshold))
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Documents: %d\n", st.TotalDocuments)
	fmt.Fprintf(w, "Chunks: %d (average %.1f characters)\n", st.TotalChunks, st.AverageChunkSize)
	fmt.Fprintf(w, "Duplicate groups: %d, duplicated chunks: %d (%.2f%%)\n", st.Groups, st.DuplicateChunks, st.DuplicateRatio*100)
	for _, t := range []dedup.DuplicateType{dedup.TypeExact, dedup.TypeHigh, dedup.TypeModerate, dedup.TypeLow, dedup.TypeMinimal} {
		if n := st.ByType[t]; n > 0 {
			fmt.Fprintf(w, "  %s: %d\n", t, n)
		}
	}
	if len(st.SharedLengths) > 0 {
		fmt.Fprintln(w, "Shared lengths:")
		for _, lc := range st.SharedLengths {
			fmt.Fprintf(w, "  %d characters: %d chunks\n", lc.Length, lc.Count)
		}
	}
	return nil
}

func dedupTraceAction(c *cli.Context) error {
	content, err := contentArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	scope := dedup.ScopeTenant
	if c.Bool("all") {
		scope = dedup.ScopeAll
	}
	sources, err := svc.Detector().TraceSources(c.Context, req, content, dedup.TraceOptions{
		Origin:    core.TenantID(c.String("kb")),
		Scope:     scope,
		Threshold: c.Float64("threshold"),
		Limit:     c.Int("limit"),
	})
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Fprintln(c.App.Writer, "No sources found")
		return nil
	}
	for i, s := range sources {
		where := "external"
		if s.Internal {
			where = "internal"
		}
		name := "(uncommitted)"
		if s.Document != nil {
			name = s.Document.Name
		}
		fmt.Fprintf(c.App.Writer, "%d. %.4f %s %s (%s) %s\n   %s\n", i+1, s.Similarity, where, s.Tenant, s.TenantName, name, truncate(s.Content, 160))
	}
	return nil
}

func reembedCommand() *cli.Command {
	defaults := reembed.DefaultConfig()
	return &cli.Command{
		Name:   "reembed",
		Usage:  "Regenerate every vector of a knowledge base with the current embedding model",
		Action: reembedAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "kb",
				Usage:    "Knowledge base to re-embed",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of chunks in each embedding request",
				Value: defaults.BatchSize,
			},
			&cli.IntFlag{
				Name:  "report-interval",
				Usage: "Report progress every N chunks",
				Value: defaults.ReportInterval,
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Batches embedded concurrently",
				Value: defaults.Workers,
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Maximum attempts per batch",
				Value: defaults.MaxRetries,
			},
			&cli.DurationFlag{
				Name:  "retry-delay",
				Usage: "Base delay for exponential backoff",
				Value: defaults.RetryDelay,
			},
		},
	}
}

func reembedAction(c *cli.Context) error {
	cfg := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		Workers:        c.Int("workers"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
		MaxRetryDelay:  reembed.DefaultConfig().MaxRetryDelay,
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if cfg.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	emb := svc.Config().Embedding
	fmt.Fprintf(c.App.ErrWriter, "Embedding host: %s\n", emb.EmbeddingHost)
	fmt.Fprintf(c.App.ErrWriter, "Embedding model: %s\n", emb.EmbeddingModel)
	if err := svc.Reembed(c.Context, req, core.TenantID(c.String("kb")), cfg, c.App.ErrWriter); err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	return nil
}
