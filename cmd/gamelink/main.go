// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Gamelink Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gamelink runs the game <-> LLM WebSocket gateway.
//
// Usage:
//
//	gamelink serve --config config.yaml
//	gamelink validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/gamelink-ai/gamelink/pkg/config"
	"github.com/gamelink-ai/gamelink/pkg/config/provider"
	"github.com/gamelink-ai/gamelink/pkg/llm"
	"github.com/gamelink-ai/gamelink/pkg/logger"
	"github.com/gamelink-ai/gamelink/pkg/observability"
	"github.com/gamelink-ai/gamelink/pkg/registry"
	"github.com/gamelink-ai/gamelink/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Override the log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("gamelink version %s\n", version)
	return nil
}

// ValidateCmd loads and validates the configuration.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, _, err := loadConfig(context.Background(), cli); err != nil {
		return err
	}
	fmt.Printf("Configuration %s is valid\n", cli.Config)
	return nil
}

// ServeCmd starts the gateway server.
type ServeCmd struct {
	Host  string `help:"Override the listen host."`
	Port  int    `help:"Override the listen port."`
	Watch bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{Enabled: cfg.Metrics.Enabled})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	newEngine, err := engineFactory(cfg)
	if err != nil {
		return err
	}
	reg := registry.New(cfg, newEngine, slog.Default())
	srv := server.New(cfg, reg, slog.Default())
	return srv.Start(ctx)
}

// loadConfig reads the config file (or defaults when none is given)
// and applies the logging settings, with CLI flags overriding the
// file.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, nil, err
	}

	var cfg *config.Config
	var loader *config.Loader
	if cli.Config == "" {
		cfg = config.Default()
	} else {
		p, err := provider.NewFileProvider(cli.Config)
		if err != nil {
			return nil, nil, err
		}
		loader = config.NewLoader(p)
		cfg, err = loader.Load(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	return cfg, loader, nil
}

// engineFactory builds the per-game engine constructor for the
// configured backend.
func engineFactory(cfg *config.Config) (registry.EngineFactory, error) {
	switch cfg.Engine.Type {
	case config.EngineRandy:
		tok, err := llm.NewTiktokenTokenizer(cfg.Engine.Tokenizer)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: %w", err)
		}
		return func(game string) (llm.Engine, error) {
			return llm.NewRandy(cfg.Engine.Seed, tok, slog.Default().With("game", game)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine type: %s", cfg.Engine.Type)
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("gamelink"),
		kong.Description("gamelink - WebSocket gateway between games and an LLM"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
