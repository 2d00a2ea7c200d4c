package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pulsus/internal/audit"
	"pulsus/internal/composer"
	"pulsus/internal/config"
	"pulsus/internal/envelope"
	"pulsus/internal/generator"
	"pulsus/internal/history"
	"pulsus/internal/intent"
	"pulsus/internal/llm"
	"pulsus/internal/logging"
	"pulsus/internal/mcp"
	"pulsus/internal/registry"
	"pulsus/internal/router"
	"pulsus/internal/runner"
	"pulsus/internal/safety"
	"pulsus/internal/sandbox"
	"pulsus/internal/scorer"
	"pulsus/internal/scratch"
	"pulsus/internal/selector"
	"pulsus/internal/validate"
)

// Exit codes mirror the routing outcome so shells can branch on them.
const (
	exitApproved = 0
	exitRejected = 2
	exitBlocked  = 3
	exitTimedOut = 4
	exitUsage    = 64
	exitInternal = 70
)

var (
	// Global flags
	configPath string
	verbose    bool

	// route flags
	routeMode    string
	callerID     string
	sessionID    string
	confirmToken string
	autoApprove  bool
	routeDryRun  bool
	deadline     time.Duration

	// tail flags
	tailN int

	// Logger
	logger *zap.Logger
)

// exitError carries a specific process exit code out of a RunE.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var rootCmd = &cobra.Command{
	Use:   "pulsus",
	Short: "pulsus - deterministic capability router",
	Long: `pulsus routes natural-language requests onto registered capabilities.

Every request is parsed, matched against the capability registry, and either
reuses an existing tool (SELECT), chains several (COMPOSE), or asks the
configured model for a fresh one (GENERATE). Whatever comes out is linted,
typechecked, import-probed, and dry-run in a sandbox before you are asked to
approve it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "runner" {
			return nil
		}
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var routeCmd = &cobra.Command{
	Use:   "route [utterance]",
	Short: "Route an utterance onto a capability and decide on the result",
	Long: `Runs one full routing cycle and prints the decision as JSON.

Without --yes the command asks for approval on stdin. Exit codes: 0 approved,
2 rejected, 3 blocked by validation, 4 approval deadline lapsed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and refresh the capability registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered capability",
	RunE:  runRegistryList,
}

var registryRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rescan script roots and builtin domains",
	RunE:  runRegistryRefresh,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List retained scratch runs",
	RunE:  runRuns,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete scratch runs older than the retention window",
	RunE:  runGC,
}

var tailCmd = &cobra.Command{
	Use:   "tail [stream]",
	Short: "Print recent audit events from a stream",
	Long:  `Streams: "app" for today's daily log, or "runs/<run_id>" for one run.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

// runnerCmd is the hidden child-process entry the validator spawns. It must
// not touch config or logging: the child runs inside the sandbox.
var runnerCmd = &cobra.Command{
	Use:                "runner",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runner.Run(args))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.pulsus/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")

	routeCmd.Flags().StringVar(&routeMode, "mode", "", "execution mode: plan, execute, unsafe (default from config policy)")
	routeCmd.Flags().StringVar(&callerID, "caller", "cli", "caller identity recorded in the audit trail")
	routeCmd.Flags().StringVar(&sessionID, "session", "", "session identity recorded in the audit trail")
	routeCmd.Flags().StringVar(&confirmToken, "confirm-token", "", "confirmation token for write operations in execute mode")
	routeCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "approve without prompting")
	routeCmd.Flags().BoolVar(&routeDryRun, "dry-run", false, "stop after validation; the decision cannot be approved")
	routeCmd.Flags().DurationVar(&deadline, "deadline", 0, "overall routing and approval deadline")

	tailCmd.Flags().IntVarP(&tailN, "n", "n", 20, "number of events")

	registryCmd.AddCommand(registryListCmd, registryRefreshCmd)
	rootCmd.AddCommand(routeCmd, registryCmd, runsCmd, gcCmd, tailCmd, runnerCmd)
}

// system is the assembled routing stack plus everything that needs closing.
type system struct {
	cfg       *config.Config
	audit     *audit.Logger
	registry  *registry.Registry
	policy    *safety.Policy
	router    *router.Router
	workspace *scratch.Workspace
	history   *history.Store
}

func (s *system) Close() {
	if s.history != nil {
		_ = s.history.Close()
	}
	if s.audit != nil {
		s.audit.Close()
	}
}

func buildSystem(ctx context.Context) (*system, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.LogRoot); err != nil {
		logger.Warn("debug logging disabled", zap.Error(err))
	}
	logging.Configure(logging.Settings{
		Debug:      cfg.Logging.Debug || verbose,
		Level:      parseLogLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	})

	auditLog, err := audit.New(cfg.LogRoot)
	if err != nil {
		return nil, err
	}

	workspace := scratch.New(cfg.WorkflowsRoot, cfg.Retention.ScratchDays)
	policy := safety.New()
	domains := mcp.Builtin(cfg.WorkingRoot, cfg.ScriptRoots(), workspace)
	reg := registry.New(cfg.ScriptRoots(), domains, policy)
	if err := reg.Refresh(ctx); err != nil {
		auditLog.Close()
		return nil, err
	}

	var hist *history.Store
	var histProvider scorer.HistoryProvider
	if hist, err = history.Open(cfg.Scorer.HistoryDB); err != nil {
		logger.Warn("history store unavailable, scoring with prior", zap.Error(err))
		hist = nil
	} else {
		histProvider = hist
	}

	var gen *generator.Generator
	if client, cerr := llm.NewClient(cfg.Model, cfg.ModelTimeout()); cerr != nil {
		logger.Warn("completion client unavailable, GENERATE routes will block", zap.Error(cerr))
	} else {
		gen = generator.New(client, workspace, cfg.Model.Temperature, cfg.Model.MaxTokens)
	}

	selfExe, err := os.Executable()
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("resolve own binary: %w", err)
	}
	pipeline := validate.NewPipeline(validate.Options{
		Audit:         auditLog,
		Sandbox:       sandbox.NewExecutor(),
		SelfExe:       selfExe,
		WorkingRoot:   cfg.WorkingRoot,
		ScriptRoots:   cfg.ScriptRoots(),
		WorkflowsRoot: cfg.WorkflowsRoot,
		Limits: sandbox.Limits{
			WallMS:         cfg.Sandbox.WallMS,
			MemBytes:       cfg.Sandbox.MemBytes,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		},
		Network: !cfg.NetworkOff(),
	})

	rt := router.New(router.Deps{
		Registry:  reg,
		Policy:    policy,
		Audit:     auditLog,
		History:   hist,
		Parser:    intent.New(cfg.WorkingRoot),
		Scorer: scorer.New(scorer.Weights{
			Name:    cfg.Scorer.Weights.Name,
			Doc:     cfg.Scorer.Weights.Doc,
			History: cfg.Scorer.Weights.History,
		}, cfg.Scorer.HistoryWindow, histProvider),
		Selector:  selector.New(cfg.Scorer.Threshold, cfg.Scorer.Band),
		Composer:  composer.New(workspace),
		Generator: gen,
		Pipeline:  pipeline,
	})

	return &system{
		cfg:       cfg,
		audit:     auditLog,
		registry:  reg,
		policy:    policy,
		router:    rt,
		workspace: workspace,
		history:   hist,
	}, nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := buildSystem(ctx)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitError{exitInternal}
	}
	defer sys.Close()

	opts := router.Options{
		CallerID:          callerID,
		SessionID:         sessionID,
		ConfirmationToken: confirmToken,
		DryRun:            routeDryRun,
		Deadline:          deadline,
	}
	if routeMode != "" {
		mode, merr := envelope.ParseExecutionMode(routeMode)
		if merr != nil {
			fmt.Fprintln(os.Stderr, merr)
			return exitError{exitUsage}
		}
		opts.Mode = mode
	}

	decision, err := sys.router.Route(ctx, strings.Join(args, " "), opts)
	if err != nil {
		logger.Error("routing aborted", zap.Error(err))
		return exitError{exitInternal}
	}

	printJSON(decision.ToMap())

	if decision.State == router.StateBlocked {
		return exitError{exitBlocked}
	}
	if routeDryRun {
		return nil
	}

	approved := autoApprove
	if !approved {
		approved = promptApproval(decision)
	}
	if err := sys.router.Decide(decision, router.Approval{Approved: approved, Token: confirmToken}); err != nil {
		logger.Error("decision failed", zap.Error(err))
		return exitError{exitInternal}
	}

	switch decision.State {
	case router.StateApproved:
		fmt.Printf("approved: %s\n", decision.ArtifactPath)
		return nil
	case router.StateTimedOut:
		fmt.Fprintln(os.Stderr, "approval deadline lapsed")
		return exitError{exitTimedOut}
	default:
		fmt.Fprintln(os.Stderr, "rejected")
		return exitError{exitRejected}
	}
}

// promptApproval asks on stdin. Anything but an explicit yes rejects.
func promptApproval(d *router.RouteDecision) bool {
	if d.RequiresConfirmation && confirmToken == "" {
		fmt.Fprintln(os.Stderr, "this operation writes; pass --confirm-token to approve it")
	}
	fmt.Printf("approve %s route to %s? [y/N]: ", d.Policy, d.ArtifactPath)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(cmd.Context())
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitError{exitInternal}
	}
	defer sys.Close()

	for _, d := range sys.registry.All() {
		fmt.Printf("%-32s %-16s %-17s %s\n", d.Key(), d.SafetyLevel, d.Provider, d.Description)
	}
	return nil
}

func runRegistryRefresh(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(cmd.Context())
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitError{exitInternal}
	}
	defer sys.Close()

	// buildSystem already refreshed once; do it again so stale snapshots
	// from a long-lived shell session are visibly rebuilt.
	if err := sys.registry.Refresh(cmd.Context()); err != nil {
		logger.Error("refresh failed", zap.Error(err))
		return exitError{exitInternal}
	}
	fmt.Printf("registry refreshed: %d capabilities\n", sys.registry.Len())
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError{exitInternal}
	}
	runs, err := scratch.New(cfg.WorkflowsRoot, cfg.Retention.ScratchDays).ListRuns()
	if err != nil {
		logger.Error("list runs failed", zap.Error(err))
		return exitError{exitInternal}
	}
	for _, r := range runs {
		fmt.Printf("%-40s %s  %s\n", r.ID, r.ModTime.Format(time.RFC3339), r.Artifact)
	}
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError{exitInternal}
	}
	res, err := scratch.New(cfg.WorkflowsRoot, cfg.Retention.ScratchDays).Sweep(time.Now())
	if err != nil {
		logger.Error("gc failed", zap.Error(err))
		return exitError{exitInternal}
	}
	fmt.Printf("removed %d, kept %d\n", res.Removed, res.Kept)
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError{exitInternal}
	}
	log, err := audit.New(cfg.LogRoot)
	if err != nil {
		return exitError{exitInternal}
	}
	defer log.Close()

	events, err := log.Tail(args[0], tailN, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError{exitUsage}
	}
	for _, e := range events {
		line, merr := json.Marshal(e)
		if merr != nil {
			continue
		}
		fmt.Println(string(line))
	}
	return nil
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}
