// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/poiesic/kbingest"
	"github.com/poiesic/kbingest/config"
	"github.com/poiesic/kbingest/core"
	"github.com/urfave/cli/v2"
)

// serviceOptions is appended to every Open call. Tests use it to swap the
// embedding provider.
var serviceOptions []kbingest.Option

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kbingest",
		Usage: "Multi-tenant document ingestion, search and duplicate detection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file if it exists",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Override the configured data directory",
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User the command acts as",
				EnvVars: []string{"KBINGEST_USER"},
			},
			&cli.BoolFlag{
				Name:  "admin",
				Usage: "Act with administrator rights",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			kbCommand(),
			ingestCommand(),
			watchCommand(),
			taskCommand(),
			queueCommand(),
			indexCommand(),
			chunkCommand(),
			searchCommand(),
			dedupCommand(),
			reembedCommand(),
		},
	}
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

func openService(c *cli.Context) (*kbingest.Service, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	opts := append([]kbingest.Option{kbingest.WithLogger(slog.Default())}, serviceOptions...)
	svc, err := kbingest.Open(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DataDir, err)
	}
	return svc, nil
}

func requester(c *cli.Context) (*core.Requester, error) {
	user := c.String("user")
	if user == "" {
		return nil, errors.New("a user is required: pass --user or set KBINGEST_USER")
	}
	return &core.Requester{UserID: user, IsAdmin: c.Bool("admin")}, nil
}

// session opens the service and resolves the requester for a command.
func session(c *cli.Context) (*kbingest.Service, *core.Requester, error) {
	req, err := requester(c)
	if err != nil {
		return nil, nil, err
	}
	svc, err := openService(c)
	if err != nil {
		return nil, nil, err
	}
	return svc, req, nil
}

func tenantArg(c *cli.Context) (core.TenantID, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("%s: knowledge base id is required", c.Command.Name)
	}
	return core.TenantID(c.Args().First()), nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
