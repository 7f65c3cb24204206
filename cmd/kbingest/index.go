package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/extract"
	"github.com/urfave/cli/v2"
)

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Inspect and maintain a knowledge base's vector index",
		Subcommands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Show index kind, dimension and size",
				ArgsUsage: "<kb>",
				Action:    indexInfoAction,
			},
			{
				Name:      "rebuild",
				Usage:     "Rewrite the index from its stored vectors, dropping orphans",
				ArgsUsage: "<kb>",
				Action:    indexRebuildAction,
			},
			{
				Name:      "cleanup",
				Usage:     "Remove the index files; chunks are kept without vectors",
				ArgsUsage: "<kb>",
				Action:    indexCleanupAction,
			},
			{
				Name:      "delete-vectors",
				Usage:     "Remove vectors by id",
				ArgsUsage: "<kb> <vector-id>...",
				Action:    indexDeleteVectorsAction,
			},
		},
	}
}

func indexInfoAction(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	info, err := svc.Index().IndexInfo(c.Context, id, req)
	if err != nil {
		return err
	}
	printIndexInfo(c, info)
	return nil
}

func indexRebuildAction(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.RebuildIndex(c.Context, req, id)
	if err != nil {
		return fmt.Errorf("failed to rebuild index: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Rebuilt index of %s with %d vectors\n", id, n)
	return nil
}

func indexCleanupAction(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.CleanupIndex(c.Context, req, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Removed index of %s\n", id)
	return nil
}

func indexDeleteVectorsAction(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return errors.New("delete-vectors: at least one vector id is required")
	}
	var vectorIDs []int64
	for _, arg := range c.Args().Tail() {
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vector id %q", arg)
		}
		vectorIDs = append(vectorIDs, v)
	}

	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.DeleteVectors(c.Context, req, id, vectorIDs); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted %d vectors from %s\n", len(vectorIDs), id)
	return nil
}

func chunkCommand() *cli.Command {
	return &cli.Command{
		Name:      "chunk",
		Usage:     "Preview how a file would be chunked without storing anything",
		ArgsUsage: "<file|url>",
		Action:    chunkAction,
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "outline",
				Usage: "List detected chapter headings instead of chunks",
			},
			&cli.IntFlag{
				Name:  "show",
				Usage: "Number of chunks to print",
				Value: 10,
			},
		}, chunkingFlags()...),
	}
}

func chunkAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("chunk: exactly one file or url is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	text, err := extract.NewLocal().Extract(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	chunkCfg := chunkingConfig(c, cfg.Chunking)
	w := c.App.Writer

	if c.Bool("outline") {
		headings := chunking.Outline(text, chunkCfg.Chapter)
		if len(headings) == 0 {
			fmt.Fprintln(w, "No headings detected")
			return nil
		}
		for _, h := range headings {
			indent := min(max(h.Level-1, 0), 5) * 2
			fmt.Fprintf(w, "%*s%s  [%s @%d]\n", indent, "", h.Title, h.Pattern, h.Position)
		}
		return nil
	}

	// Only the semantic strategy needs the embedding service.
	engine := chunking.NewEngine()
	if chunkCfg.Strategy == chunking.StrategySemantic {
		svc, err := openService(c)
		if err != nil {
			return err
		}
		defer svc.Close()
		engine = svc.Engine()
	}
	preview, err := engine.Preview(c.Context, text, chunkCfg)
	if err != nil {
		return err
	}
	st := preview.Stats
	fmt.Fprintf(w, "Strategy: %s\n", preview.Strategy)
	fmt.Fprintf(w, "Chunks: %d  total %d  min %d  max %d  avg %.1f\n", st.Count, st.TotalSize, st.MinSize, st.MaxSize, st.AvgSize)
	for i, chunk := range preview.Chunks {
		if i >= c.Int("show") {
			fmt.Fprintf(w, "... %d more\n", len(preview.Chunks)-i)
			break
		}
		fmt.Fprintf(w, "[%d] %s\n", i, truncate(chunk, 100))
	}
	return nil
}
