package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-delegate/internal/app"
	"github.com/nidhogg/nuka-delegate/internal/config"
	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/nidhogg/nuka-delegate/internal/orchestrator"
	"github.com/nidhogg/nuka-delegate/internal/permission"
	"github.com/nidhogg/nuka-delegate/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const usage = `usage: nuka-delegate <command> [flags]

commands:
  validate   check an agents document (default)
  serve      run the engine with the operations HTTP API
  run        execute a task on the entry agent and print its answer
  events     print delegation events from the Redis stream
  history    print delegation history from PostgreSQL
`

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "validate"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "validate":
		return runValidate(args, stdout, stderr)
	case "serve":
		return runServe(ctx, args, stderr)
	case "run":
		return runTask(ctx, args, stdout, stderr)
	case "events":
		return runEvents(ctx, args, stdout, stderr)
	case "history":
		return runHistory(ctx, args, stdout, stderr)
	default:
		fmt.Fprint(stderr, usage)
		return 2
	}
}

func newLogger(level string) *zap.Logger {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return &config.Config{Server: config.ServerConfig{LogLevel: "warn"}}, nil
	}
	return config.Load(path)
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "service config (JSON); supplies agents_file")
	agentsPath := fs.String("agents", "", "agents document (JSON or YAML)")
	repair := fs.Bool("repair", false, "drop dangling delegation targets and print the repaired document")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	path := *agentsPath
	if path == "" {
		path = cfg.AgentsFile
	}
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		fmt.Fprintln(stderr, "no agents document given (-agents or agents_file)")
		return 2
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	format, err := config.FormatForPath(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	res, err := permission.NewValidator(logger).ValidateDocument(raw, format, permission.Options{AutoRepair: *repair})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if !*repair {
			res.Repaired = nil
		}
		if err := enc.Encode(res); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	} else {
		printResult(stdout, path, res)
		if *repair && res.Repaired != nil {
			fmt.Fprintln(stdout, "---")
			if err := writeDocument(stdout, res.Repaired, format); err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
		}
	}

	if !res.Valid {
		return 1
	}
	return 0
}

func printResult(w io.Writer, path string, res *permission.Result) {
	status := "valid"
	if !res.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(w, "%s: %s\n", path, status)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error: %s\n", e.Error())
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, c := range res.Cycles {
		fmt.Fprintf(w, "  cycle: %s\n", permission.FormatCycle(c))
	}
}

func writeDocument(w io.Writer, cfg *permission.Configuration, format permission.Format) error {
	if format == permission.FormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "service config (JSON)")
	listen := fs.String("listen", "", "listen address (overrides server.listen)")
	migrations := fs.String("migrations", "migrations", "PostgreSQL migrations directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	a, err := app.New(ctx, cfg, app.Options{MigrationsDir: *migrations}, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("nuka-delegate listening", zap.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	go a.Run(ctx)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return 0
}

func runTask(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "service config (JSON)")
	agentName := fs.String("agent", "", "agent to start on (defaults to the entry agent)")
	migrations := fs.String("migrations", "migrations", "PostgreSQL migrations directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if task == "" {
		fmt.Fprintln(stderr, "usage: nuka-delegate run [-config file] [-agent name] <task>")
		return 2
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	a, err := app.New(ctx, cfg, app.Options{MigrationsDir: *migrations}, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.Run(runCtx)

	name := *agentName
	if name == "" {
		doc, err := a.Provider.LoadConfiguration(ctx)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		name = doc.EntryAgent
	}
	if name == "" {
		fmt.Fprintln(stderr, "no entry agent configured; pass -agent")
		return 2
	}

	root, err := a.Engine.StartSession(ctx, name)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer a.Engine.EndSession(root.ConversationID)

	out, err := a.Executor.ExecuteAgent(ctx, root, task)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, out)
	return 0
}

func runEvents(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "service config (JSON)")
	n := fs.Int64("n", 20, "number of recent events to print")
	follow := fs.Bool("follow", false, "keep printing new events until interrupted")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if cfg.Database.Redis.URL == "" {
		fmt.Fprintln(stderr, "database.redis.url is not configured")
		return 2
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	bus, err := orchestrator.NewMessageBus(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer bus.Close()

	recent, err := bus.Recent(ctx, *n)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for i := len(recent) - 1; i >= 0; i-- {
		printEvent(stdout, recent[i])
	}
	if !*follow {
		return 0
	}
	for ev := range bus.Subscribe(ctx, "$") {
		printEvent(stdout, ev)
	}
	return 0
}

func printEvent(w io.Writer, ev *delegation.Event) {
	fmt.Fprintf(w, "%s %-22s %s %s -> %s", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.DelegationID, ev.From, ev.To)
	if ev.Settled() {
		fmt.Fprintf(w, " (%s)", ev.Duration.Round(time.Millisecond))
	}
	if ev.Error != "" {
		fmt.Fprintf(w, ": %s", ev.Error)
	}
	fmt.Fprintln(w)
}

func runHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "service config (JSON)")
	from := fs.String("from", "", "only delegations started by this agent")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if cfg.Database.Postgres.DSN == "" {
		fmt.Fprintln(stderr, "database.postgres.dsn is not configured")
		return 2
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	s, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer s.Close()

	records, err := s.History(ctx, *from, *limit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for _, r := range records {
		fmt.Fprintf(stdout, "%s %-9s %s %s -> %s (%s)\n",
			r.StartedAt.Format(time.RFC3339), r.Status, r.ID, r.FromAgent, r.ToAgent, r.Duration)
	}
	return 0
}
