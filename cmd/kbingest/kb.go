package main

import (
	"fmt"

	"github.com/poiesic/kbingest/vectorindex"
	"github.com/urfave/cli/v2"
)

func kbCommand() *cli.Command {
	return &cli.Command{
		Name:  "kb",
		Usage: "Manage knowledge bases",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a knowledge base owned by the current user",
				ArgsUsage: "<id>",
				Action:    kbCreateCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name (defaults to the id)",
					},
					&cli.IntFlag{
						Name:  "dimension",
						Usage: "Vector dimension (defaults to the embedding model's)",
					},
					&cli.StringFlag{
						Name:  "kind",
						Usage: "Index kind (flat, hnsw, ivf); defaults to the configured kind",
					},
				},
			},
			{
				Name:   "list",
				Usage:  "List the knowledge bases you can access",
				Action: kbListCommand,
			},
			{
				Name:      "info",
				Usage:     "Show a knowledge base with its documents and index",
				ArgsUsage: "<id>",
				Action:    kbInfoCommand,
			},
			{
				Name:      "delete",
				Usage:     "Delete a knowledge base with its documents, chunks and index",
				ArgsUsage: "<id>",
				Action:    kbDeleteCommand,
			},
		},
	}
}

func kbCreateCommand(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	tenant, err := svc.CreateKnowledgeBase(c.Context, req, id, c.String("name"), c.Int("dimension"), vectorindex.Kind(c.String("kind")))
	if err != nil {
		return fmt.Errorf("failed to create knowledge base: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Created knowledge base %s (%s, dimension %d, %s index)\n",
		tenant.ID, tenant.Name, tenant.Dimension, tenant.IndexKind)
	return nil
}

func kbListCommand(c *cli.Context) error {
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	tenants, err := svc.ListKnowledgeBases(c.Context, req)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		fmt.Fprintln(c.App.Writer, "No knowledge bases")
		return nil
	}
	for _, t := range tenants {
		fmt.Fprintf(c.App.Writer, "%-20s %-24s owner=%s dim=%d kind=%s\n", t.ID, t.Name, t.OwnerID, t.Dimension, t.IndexKind)
	}
	return nil
}

func kbInfoCommand(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	info, err := svc.KnowledgeBase(c.Context, req, id)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Knowledge base: %s (%s)\n", info.Tenant.ID, info.Tenant.Name)
	fmt.Fprintf(w, "Owner:          %s\n", info.Tenant.OwnerID)
	fmt.Fprintf(w, "Created:        %s\n", info.Tenant.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Documents:      %d\n", len(info.Documents))
	fmt.Fprintf(w, "Chunks:         %d\n", info.Chunks)
	printIndexInfo(c, info.Index)
	if len(info.Documents) > 0 {
		fmt.Fprintln(w)
		for _, d := range info.Documents {
			fmt.Fprintf(w, "  [%d] %s (%d chunks, %s)\n", d.ID, d.Name, d.ChunkCount, d.ChunkingMethod)
		}
	}
	return nil
}

func printIndexInfo(c *cli.Context, info *vectorindex.Info) {
	w := c.App.Writer
	if info == nil {
		fmt.Fprintln(w, "Index:          none")
		return
	}
	fmt.Fprintf(w, "Index:          %s, dimension %d\n", info.Kind, info.Dimension)
	fmt.Fprintf(w, "Vectors:        %d (generation %d)\n", info.TotalVectors, info.Generation)
	fmt.Fprintf(w, "Updated:        %s\n", info.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func kbDeleteCommand(c *cli.Context) error {
	id, err := tenantArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.DeleteKnowledgeBase(c.Context, req, id); err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Deleted knowledge base %s\n", id)
	return nil
}
