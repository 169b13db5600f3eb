// Command conveyor runs the parallel-agent pipeline orchestrator: it
// accepts pipeline requests, drives tiered agent sessions, and
// integrates completed branches through review and merge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dockhand-dev/conveyor"
	"github.com/dockhand-dev/conveyor/internal/config"
	"github.com/dockhand-dev/conveyor/internal/pipeline"
	"github.com/dockhand-dev/conveyor/internal/webhook"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		configPath string
		repoRoot   string
		listenAddr string
	)

	root := &cobra.Command{
		Use:   "conveyor",
		Short: "Parallel-agent pipeline orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "conveyor.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&repoRoot, "repo", ".", "repository root the core operates against")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator: director cycles, DLQ retries, and the inbound webhook listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(configPath, repoRoot, listenAddr)
		},
	}
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address the inbound integration webhook listens on")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current manifest's ready/pending_merge/merge_history counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(configPath, repoRoot)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conveyor %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}

	var (
		branch       string
		worktreePath string
		baseBranch   string
		tier         string
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Run a single pipeline request synchronously against an already-checked-out worktree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitPipeline(configPath, repoRoot, branch, worktreePath, baseBranch, tier)
		},
	}
	submitCmd.Flags().StringVar(&branch, "branch", "", "branch the pipeline runs against (required)")
	submitCmd.Flags().StringVar(&worktreePath, "worktree", "", "path to the branch's checked-out worktree (required)")
	submitCmd.Flags().StringVar(&baseBranch, "base", "", "base branch to diff against for tier classification (defaults to main)")
	submitCmd.Flags().StringVar(&tier, "tier", "", "force a tier instead of classifying from the diff")
	_ = submitCmd.MarkFlagRequired("branch")
	_ = submitCmd.MarkFlagRequired("worktree")

	root.AddCommand(runCmd, statusCmd, submitCmd, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadApp(configPath, repoRoot string) (*conveyor.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := conveyor.EnsureDirs(repoRoot); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	return conveyor.Build(cfg, repoRoot, log)
}

func runOrchestrator(configPath, repoRoot, listenAddr string) error {
	app, err := loadApp(configPath, repoRoot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", webhook.Router(app.Config.Forge.InboundSecret, app.Bus))
	addr := listenAddr
	if app.Config.Forge.ListenAddr != "" {
		addr = app.Config.Forge.ListenAddr
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		app.Shutdown()
	}()

	fmt.Printf("conveyor listening on %s (repo %s)\n", addr, repoRoot)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func submitPipeline(configPath, repoRoot, branch, worktreePath, baseBranch, tier string) error {
	app, err := loadApp(configPath, repoRoot)
	if err != nil {
		return err
	}
	req := pipeline.Request{
		RequestID:    uuid.NewString(),
		Branch:       branch,
		WorktreePath: worktreePath,
		BaseBranch:   baseBranch,
	}
	if tier != "" {
		req.Config = &pipeline.RequestConfig{Tier: pipeline.Tier(tier)}
	}
	st, err := app.Runner.Run(context.Background(), req)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	fmt.Printf("request %s finished with status %s (tier=%s, corrections=%d)\n", st.RequestID, st.Status, st.Tier, st.CorrectionsCount)
	return nil
}

func printStatus(configPath, repoRoot string) error {
	app, err := loadApp(configPath, repoRoot)
	if err != nil {
		return err
	}
	snap := app.Manifest.Snapshot()
	fmt.Println("=== Conveyor Status ===")
	fmt.Printf("main: %s @ %s\n", snap.MainBranch, snap.MainHead)
	fmt.Printf("ready:         %d\n", len(snap.Ready))
	fmt.Printf("pending_merge: %d\n", len(snap.PendingMerge))
	fmt.Printf("merge_history: %d\n", len(snap.MergeHistory))
	for _, e := range snap.Ready {
		fmt.Printf("  [ready] %s (tier=%s, priority=%d)\n", e.Branch, e.Tier, e.Priority)
	}
	for _, e := range snap.PendingMerge {
		fmt.Printf("  [pending_merge] %s -> PR #%d\n", e.Branch, e.PRNumber)
	}
	return nil
}
