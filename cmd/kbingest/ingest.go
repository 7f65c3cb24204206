package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/poiesic/kbingest"
	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/extract"
	"github.com/poiesic/kbingest/ingestion"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

const (
	waitPollInterval = 200 * time.Millisecond
	watchDebounce    = time.Second
)

func chunkingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "Chunking strategy (token, sentence, paragraph, chapter, semantic, recursive, sliding_window, fixed_length, custom_delimiter)",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Target chunk size in characters",
		},
		&cli.IntFlag{
			Name:  "overlap",
			Usage: "Overlap between chunks in characters",
		},
		&cli.StringFlag{
			Name:  "delimiter",
			Usage: "Delimiter for the custom_delimiter strategy",
		},
	}
}

// chunkingConfig overlays the chunking flags on the configured defaults.
func chunkingConfig(c *cli.Context, base chunking.Config) chunking.Config {
	cfg := base
	if s := c.String("strategy"); s != "" {
		cfg.Strategy = chunking.Strategy(s)
	}
	if n := c.Int("chunk-size"); n > 0 {
		cfg.ChunkSize = n
	}
	if c.IsSet("overlap") {
		cfg.OverlapSize = c.Int("overlap")
	}
	if d := c.String("delimiter"); d != "" {
		cfg.CustomDelimiter = strings.ReplaceAll(d, `\n`, "\n")
	}
	return cfg
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Queue files or URLs for ingestion into a knowledge base",
		ArgsUsage: "<file|glob|url>...",
		Action:    ingestAction,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "kb",
				Usage:    "Target knowledge base",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Process the queue and wait for the submitted tasks to finish",
			},
		}, chunkingFlags()...),
	}
}

// expandSources resolves globs (including **) to supported files. URLs and
// plain paths are passed through.
func expandSources(args []string) ([]string, error) {
	var sources []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			sources = append(sources, s)
		}
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
			add(arg)
			continue
		}
		if !strings.ContainsAny(arg, "*?[{") {
			add(arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		for _, m := range matches {
			if extract.Supported(m) {
				add(m)
			}
		}
	}
	return sources, nil
}

func ingestAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("ingest: at least one file, glob or url is required")
	}
	sources, err := expandSources(c.Args().Slice())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("ingest: no supported files matched")
	}

	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	tenant := core.TenantID(c.String("kb"))
	chunkCfg := chunkingConfig(c, svc.Config().Chunking)
	var ids []string
	for _, source := range sources {
		id, err := svc.Queue().Submit(c.Context, ingestion.SubmitRequest{
			Tenant:    tenant,
			Requester: req,
			Source:    source,
			Chunking:  chunkCfg,
		})
		if err != nil {
			return fmt.Errorf("failed to submit %s: %w", source, err)
		}
		fmt.Fprintf(c.App.Writer, "Queued %s as task %s\n", source, id)
		ids = append(ids, id)
	}
	if !c.Bool("wait") {
		return nil
	}
	if err := svc.Start(c.Context); err != nil {
		return err
	}
	return waitForTasks(c, svc, req, ids)
}

// waitForTasks polls until every task is finished, drawing their combined
// progress.
func waitForTasks(c *cli.Context, svc *kbingest.Service, req *core.Requester, ids []string) error {
	bar := progressbar.NewOptions(len(ids)*100,
		progressbar.OptionSetWriter(c.App.ErrWriter),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(c.App.ErrWriter)
		}),
	)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		views := make([]*ingestion.TaskView, 0, len(ids))
		total, done := 0, 0
		for _, id := range ids {
			v, err := svc.Queue().Task(c.Context, id, req)
			if err != nil {
				return err
			}
			views = append(views, v)
			if v.Status.IsTerminal() {
				total += 100
				done++
			} else {
				total += v.Progress
			}
		}
		_ = bar.Set(total)
		if done == len(ids) {
			_ = bar.Finish()
			return reportTasks(c, views)
		}

		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case <-ticker.C:
		}
	}
}

func reportTasks(c *cli.Context, views []*ingestion.TaskView) error {
	failed := 0
	for _, v := range views {
		switch v.Status {
		case core.TaskCompleted:
			fmt.Fprintf(c.App.Writer, "%s %s: %d chunks in %s\n", v.ID, v.DocumentName, v.ChunkCount,
				v.CompletedAt.Sub(v.StartedAt).Round(time.Millisecond))
		default:
			failed++
			fmt.Fprintf(c.App.Writer, "%s %s: %s %s\n", v.ID, v.DocumentName, v.Status, v.ErrorMessage)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", failed, len(views))
	}
	return nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Process the queue and ingest files written to a directory",
		ArgsUsage: "<dir>",
		Action:    watchAction,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "kb",
				Usage:    "Target knowledge base",
				Required: true,
			},
		}, chunkingFlags()...),
	}
}

// watchable reports whether an event is a supported, visible file being
// created or written.
func watchable(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") || !extract.Supported(event.Name) {
		return false
	}
	info, err := os.Stat(event.Name)
	return err == nil && info.Mode().IsRegular()
}

// debouncer holds paths until they have been quiet for a while, so a file
// written in several steps is submitted once.
type debouncer struct {
	quiet   time.Duration
	pending map[string]time.Time
}

func newDebouncer(quiet time.Duration) *debouncer {
	return &debouncer{quiet: quiet, pending: make(map[string]time.Time)}
}

func (d *debouncer) touch(path string, now time.Time) {
	d.pending[path] = now
}

// ready removes and returns the paths quiet since before now-quiet.
func (d *debouncer) ready(now time.Time) []string {
	var out []string
	for path, at := range d.pending {
		if now.Sub(at) >= d.quiet {
			out = append(out, path)
			delete(d.pending, path)
		}
	}
	return out
}

func watchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("watch: exactly one directory is required")
	}
	dir := c.Args().First()
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", dir)
	}

	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Start(c.Context); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	tenant := core.TenantID(c.String("kb"))
	chunkCfg := chunkingConfig(c, svc.Config().Chunking)
	submit := func(ctx context.Context, path string) {
		id, err := svc.Queue().Submit(ctx, ingestion.SubmitRequest{Tenant: tenant, Requester: req, Source: path, Chunking: chunkCfg})
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(c.App.ErrWriter, "failed to submit %s: %v\n", path, err)
			}
			return
		}
		fmt.Fprintf(c.App.Writer, "Queued %s as task %s\n", path, id)
	}

	fmt.Fprintf(c.App.Writer, "Watching %s for %s (Ctrl-C to stop)\n", dir, tenant)
	pending := newDebouncer(watchDebounce)
	ticker := time.NewTicker(watchDebounce / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.Context.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if watchable(event) {
				pending.touch(event.Name, time.Now())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(c.App.ErrWriter, "watch error: %v\n", err)
		case now := <-ticker.C:
			for _, path := range pending.ready(now) {
				submit(c.Context, path)
			}
		}
	}
}

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "Inspect and manage ingestion tasks",
		Subcommands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Show one task",
				ArgsUsage: "<task-id>",
				Action:    taskStatusAction,
			},
			{
				Name:   "list",
				Usage:  "List your tasks, newest first",
				Action: taskListAction,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or processing task",
				ArgsUsage: "<task-id>",
				Action:    taskCancelAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a task that is not processing",
				ArgsUsage: "<task-id>",
				Action:    taskDeleteAction,
			},
			{
				Name:   "clear",
				Usage:  "Delete your finished tasks",
				Action: taskClearAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Which tasks to clear (completed, failed, all)",
						Value: string(ingestion.ClearCompleted),
					},
				},
			},
		},
	}
}

func taskArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("%s: task id is required", c.Command.Name)
	}
	return c.Args().First(), nil
}

func printTask(c *cli.Context, v *ingestion.TaskView) {
	w := c.App.Writer
	fmt.Fprintf(w, "%s  %-10s %3d%%  %s -> %s", v.ID, v.Status, v.Progress, v.DocumentName, v.TenantID)
	if v.QueuePosition > 0 {
		fmt.Fprintf(w, "  #%d in queue", v.QueuePosition)
	}
	if v.EstimatedRemaining > 0 {
		fmt.Fprintf(w, "  ~%s left", v.EstimatedRemaining.Round(time.Second))
	}
	if v.StatusMessage != "" {
		fmt.Fprintf(w, "  (%s)", v.StatusMessage)
	}
	if v.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s", v.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func taskStatusAction(c *cli.Context) error {
	id, err := taskArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	v, err := svc.Queue().Task(c.Context, id, req)
	if err != nil {
		return err
	}
	printTask(c, v)
	return nil
}

func taskListAction(c *cli.Context) error {
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	views, err := svc.Queue().ListTasks(c.Context, req)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Fprintln(c.App.Writer, "No tasks")
		return nil
	}
	for _, v := range views {
		printTask(c, v)
	}
	return nil
}

func taskCancelAction(c *cli.Context) error {
	id, err := taskArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Queue().Cancel(c.Context, id, req); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Cancelled task %s\n", id)
	return nil
}

func taskDeleteAction(c *cli.Context) error {
	id, err := taskArg(c)
	if err != nil {
		return err
	}
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Queue().Delete(c.Context, id, req); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted task %s\n", id)
	return nil
}

func taskClearAction(c *cli.Context) error {
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.Queue().ClearTasks(c.Context, req, ingestion.ClearScope(c.String("scope")))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Cleared %d tasks\n", n)
	return nil
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:   "queue",
		Usage:  "Show queue counts, the running task and your queued tasks",
		Action: queueAction,
	}
}

func queueAction(c *cli.Context) error {
	svc, req, err := session(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	snap, err := svc.Queue().Status(c.Context, req)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Pending: %d  Processing: %d  Completed: %d  Failed: %d  Cancelled: %d\n",
		snap.Pending, snap.Processing, snap.Completed, snap.Failed, snap.Cancelled)
	if snap.Current != nil {
		fmt.Fprint(w, "Current: ")
		printTask(c, snap.Current)
	}
	for _, v := range snap.Window {
		printTask(c, v)
	}
	if snap.Estimate.TotalWait > 0 {
		fmt.Fprintf(w, "Estimated wait: %s (average task %s)\n",
			snap.Estimate.TotalWait.Round(time.Second), snap.Estimate.AverageProcessing.Round(time.Second))
	}
	return nil
}
