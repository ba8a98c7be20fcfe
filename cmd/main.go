package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"transferd/internal/app"
	"transferd/internal/config"
	"transferd/internal/engine"
	"transferd/internal/logger"
	"transferd/internal/task"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "transferd",
	Short: "Asynchronous transfer task orchestration",
	Long: `transferd moves data between an archive and external storage backends.
Tasks are created over HTTP or from this CLI and advanced by periodic jobs,
with crash recovery and cooperation between servers sharing one database.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, dispatch consumer and HTTP API",
	RunE:  runServe,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect and cancel tasks",
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a transfer task",
	RunE:  runCreate,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task that has not settled",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with TRANSFERD_* variables (default ./.env if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("db-driver", "sqlite", "Task repository driver (memory/sqlite/postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "./transferd.db", "Task repository DSN")

	serveCmd.Flags().String("server-id", "", "Server identity used for task ownership (default hostname)")
	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("archive-base", "", "Root directory of the archive")
	serveCmd.Flags().Int("max-retries", 3, "Transient failures a task survives")
	serveCmd.Flags().Bool("recover-any-server", false, "Recover interrupted transfers owned by any server")
	serveCmd.Flags().Bool("dispatch", true, "Dispatch tasks through the message queue")
	serveCmd.Flags().String("dispatch-backend", "local", "Dispatch queue backend (local/sql)")

	createCmd.Flags().String("kind", string(task.KindDownload), "Task kind")
	createCmd.Flags().String("protocol", string(task.ProtocolObjectStore), "Transfer protocol")
	createCmd.Flags().String("src-container", "", "Source container id")
	createCmd.Flags().String("src-path", "", "Source path")
	createCmd.Flags().String("dst-container", "", "Destination container id")
	createCmd.Flags().String("dst-path", "", "Destination path")
	createCmd.Flags().String("account", "", "Account reference for backend credentials")
	createCmd.Flags().Bool("encrypted", false, "Payload is encrypted at rest")
	createCmd.Flags().String("retry-of", "", "Failed or cancelled task this one replaces")

	taskCmd.AddCommand(createCmd, statusCmd, cancelCmd)
	rootCmd.AddCommand(serveCmd, taskCmd)
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, envFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	err = srv.Run(ctx)

	if closeErr := srv.Close(); closeErr != nil {
		log.Error("Error closing server", zap.Error(closeErr))
	}

	return err
}

// withService runs fn against the configured task store
func withService(cmd *cobra.Command, fn func(ctx context.Context, s *engine.Service) error) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, _, err := app.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	return fn(cmd.Context(), engine.NewService(store, nil, log))
}

func runCreate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	kind, _ := flags.GetString("kind")
	protocol, _ := flags.GetString("protocol")
	srcContainer, _ := flags.GetString("src-container")
	srcPath, _ := flags.GetString("src-path")
	dstContainer, _ := flags.GetString("dst-container")
	dstPath, _ := flags.GetString("dst-path")
	account, _ := flags.GetString("account")
	encrypted, _ := flags.GetBool("encrypted")
	retryOf, _ := flags.GetString("retry-of")

	req := engine.CreateRequest{
		Kind:        task.Kind(kind),
		Protocol:    task.Protocol(protocol),
		Source:      task.Location{ContainerID: srcContainer, Path: srcPath},
		Destination: task.Location{ContainerID: dstContainer, Path: dstPath},
		AccountRef:  account,
		Encrypted:   encrypted,
		RetryOf:     retryOf,
	}

	return withService(cmd, func(ctx context.Context, s *engine.Service) error {
		id, err := s.CreateTask(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, s *engine.Service) error {
		t, err := s.GetTaskStatus(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, s *engine.Service) error {
		return s.CancelTask(ctx, args[0])
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
