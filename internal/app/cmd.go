// Package app はコマンドライン引数の解釈と依存関係のワイヤリングを行い、アプリケーションを起動する。
package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandCleanup は期限切れセッションの削除を1回実行することを示す。
	CommandCleanup Command = "cleanup"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はfestivalのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "festival",
		Short: "Spotifyでログインし、よく聴くアーティストを表示するWebアプリケーション",
		// エラー時の使い方表示はログ出力の邪魔になるため抑制する
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), w)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "HTTPサーバーとセッションクリーンアップワーカーを起動する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), w)
			},
		},
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "未適用のデータベースマイグレーションを適用する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := Init(w)
				if err != nil {
					return err
				}
				return runMigrate(cfg)
			},
		},
		&cobra.Command{
			Use:   string(CommandCleanup),
			Short: "期限切れセッションを1回削除する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := Init(w)
				if err != nil {
					return err
				}
				return runCleanup(cmd.Context(), cfg)
			},
		},
		newHealthcheckCommand(),
	)

	return root
}

// newHealthcheckCommand はヘルスチェックコマンドを生成する。
// 軽量サブコマンドのため、設定の読み込みを行わない。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "起動中のサーバーの/healthを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}

	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "確認するサーバーのポート")

	return cmd
}

func serve(ctx context.Context, w io.Writer) error {
	cfg, err := Init(w)
	if err != nil {
		return err
	}

	slog.Info("starting application",
		slog.String("command", string(CommandServe)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("storage_driver", cfg.StorageDriver),
	)

	return runServe(ctx, cfg)
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると実行中のコマンドをキャンセルする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
