package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hitoshi/feedtree/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとスケジューラを起動する。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラのみを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandImportOPML はOPMLファイルを取り込む。
	CommandImportOPML Command = "import-opml"
	// CommandCreateSession はセッションを発行する。
	CommandCreateSession Command = "create-session"
)

// NewRootCommand はfeedtreeのルートコマンドを生成する。
// サブコマンドを省略した場合は serve として動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newServeCommand(w)

	root := &cobra.Command{
		Use:           "feedtree",
		Short:         "feedtree - hierarchical feed reader backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.SetOut(w)

	root.AddCommand(
		serve,
		newWorkerCommand(w),
		newMigrateCommand(w),
		newHealthcheckCommand(),
		newImportOPMLCommand(w),
		newCreateSessionCommand(w),
	)
	return root
}

// withConfig は設定を読み込んでから fn を実行するRunEを返す。
// fn の ctx は SIGINT/SIGTERM でキャンセルされる。
func withConfig(w io.Writer, name Command, fn func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := Init(w)
		if err != nil {
			return err
		}
		slog.Info("starting application",
			slog.String("command", string(name)),
			slog.String("port", cfg.ServerPort),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return fn(ctx, cmd, cfg, args)
	}
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the API server and refresh scheduler",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandServe, func(ctx context.Context, _ *cobra.Command, cfg *config.Config, _ []string) error {
			return runServe(ctx, cfg)
		}),
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Start the refresh scheduler and cleanup job only",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandWorker, func(ctx context.Context, _ *cobra.Command, cfg *config.Config, _ []string) error {
			return runWorker(ctx, cfg)
		}),
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandMigrate, func(_ context.Context, _ *cobra.Command, cfg *config.Config, _ []string) error {
			return runMigrate(cfg)
		}),
	}
}

// newHealthcheckCommand は軽量サブコマンドのため、設定の読み込みを行わない。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = os.Getenv("SERVER_PORT")
			}
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "server port (default $SERVER_PORT or 8080)")
	return cmd
}

func newImportOPMLCommand(w io.Writer) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   string(CommandImportOPML) + " --user <id> <file>",
		Short: "Import an OPML file into a user's collection tree",
		Args:  cobra.ExactArgs(1),
		RunE: withConfig(w, CommandImportOPML, func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, args []string) error {
			return runImportOPML(ctx, cfg, cmd.OutOrStdout(), userID, args[0])
		}),
	}
	cmd.Flags().StringVar(&userID, "user", "", "target user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCreateSessionCommand(w io.Writer) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   string(CommandCreateSession) + " --user <id>",
		Short: "Issue a session id for a user",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandCreateSession, func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, _ []string) error {
			return runCreateSession(ctx, cfg, cmd.OutOrStdout(), userID)
		}),
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
