// Command hausgeist runs the local assistant platform.
//
// Usage:
//
//	hausgeist serve --config config.yaml
//	hausgeist digest run
//	hausgeist digest state
//	hausgeist reconcile
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/config/provider"
	"github.com/hausgeist/hausgeist/pkg/graph"
	"github.com/hausgeist/hausgeist/pkg/logger"
)

// Exit codes. 64+ stays reserved.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitDepsDown     = 2
	exitSafetyRefuse = 3
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Start the assistant server."`
	Digest    DigestCmd    `cmd:"" help:"Digest worker operations."`
	Reconcile ReconcileCmd `cmd:"" help:"Reconcile the graph index against the skill registry."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("hausgeist %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server plus, in inline mode, the digest
// runner.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	var loader *config.Loader
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		fp, err := provider.NewFileProvider(cli.Config)
		if err != nil {
			return exitWith(exitConfigError, err)
		}
		loader = config.NewLoader(fp)
		cfg, err = loader.Load(context.Background())
		if err != nil {
			return exitWith(exitConfigError, err)
		}
	} else if cfg, err = config.Default(); err != nil {
		return exitWith(exitConfigError, err)
	}

	// Strict signature verification needs an allowlist source to verify
	// against; serving without one would silently skip the check.
	if cfg.SignatureVerifyMode == config.SignatureVerifyStrict && cfg.Skills.AllowlistURL == "" {
		return exitWith(exitSafetyRefuse, fmt.Errorf("signature_verify_mode=strict requires an allowlist URL"))
	}

	if err := probeDependencies(cfg); err != nil {
		return exitWith(exitDepsDown, err)
	}

	app, err := buildApp(context.Background(), cfg)
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hot reload of the pipeline tunables while serving.
	if loader != nil {
		if changes, err := loader.Watch(ctx); err == nil {
			go func() {
				for newCfg := range changes {
					app.orchestrator.ApplySettings(newCfg.Pipeline)
					slog.Info("Config reloaded", "path", cli.Config)
				}
			}()
		}
	}

	app.runner.Start(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- app.server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return exitWith(exitConfigError, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.runner.Stop()
	return app.server.Shutdown(shutdownCtx)
}

// DigestCmd groups the digest worker subcommands.
type DigestCmd struct {
	Run   DigestRunCmd   `cmd:"" help:"Run one digest cycle now."`
	State DigestStateCmd `cmd:"" help:"Print the digest runtime state."`
}

type DigestRunCmd struct {
	Conversations []string `help:"Restrict to these conversation ids."`
}

func (c *DigestRunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	app, err := buildDigest(cfg)
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer app.Close()

	summary, err := app.runner.RunNow(context.Background(), c.Conversations)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

type DigestStateCmd struct{}

func (c *DigestStateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	app, err := buildDigest(cfg)
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer app.Close()

	state, err := app.pipeline.RuntimeState()
	if err != nil {
		return err
	}
	return printJSON(state)
}

// ReconcileCmd removes graph orphans against the authoritative skill
// registry.
type ReconcileCmd struct{}

func (c *ReconcileCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	store, registry, closeStores, err := buildGraphDeps(cfg)
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer closeStores()

	report, err := graph.NewReconciler(store, registry).Reconcile(context.Background())
	if err != nil {
		return err
	}
	return printJSON(report)
}

func main() {
	// Missing .env is fine; explicit env wins either way.
	_ = godotenv.Load()

	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("hausgeist"),
		kong.Description("Local-first assistant platform."),
		kong.UsageOnError(),
	)

	initLogging(cli)
	if err := ctx.Run(cli); err != nil {
		if code, ok := exitCode(err); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}

func initLogging(cli *CLI) {
	output := os.Stderr
	if cli.LogFile != "" {
		if file, _, err := logger.OpenLogFile(cli.LogFile); err == nil {
			output = file
		}
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default()
	}

	fp, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return nil, err
	}
	return config.NewLoader(fp).Load(context.Background())
}

// probeDependencies checks the model endpoint before serving. A local
// platform without its model host is not worth starting.
func probeDependencies(cfg *config.Config) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(cfg.LLM.Host + "/api/version")
	if err != nil {
		return fmt.Errorf("model endpoint %s unreachable: %w", cfg.LLM.Host, err)
	}
	resp.Body.Close()
	return nil
}

// codedError carries a process exit code through kong's Run.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &codedError{code: code, err: err}
}

func exitCode(err error) (int, bool) {
	if coded, ok := err.(*codedError); ok {
		return coded.code, true
	}
	return 0, false
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
