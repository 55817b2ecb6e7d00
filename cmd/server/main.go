package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediafetch/backend/internal/auth"
	"github.com/mediafetch/backend/internal/config"
	"github.com/mediafetch/backend/internal/logger"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

var tokenTTL time.Duration

var rootCmd = &cobra.Command{
	Use:   "mediafetch",
	Short: "Chat-driven media download service",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger.SetDefault(logger.New(&logger.Config{
			Output: os.Stdout,
			Level:  logger.ParseLevel(cfg.LogLevel),
		}))
		return serve(cmd.Context(), cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an access token for a user",
	Long:  `The token command signs a JWT with JWT_SECRET so a client can authenticate as the given user.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.ValidateUserID(args[0]); err != nil {
			return err
		}
		cfg := config.Load()
		if os.Getenv("JWT_SECRET") == "" {
			return fmt.Errorf("JWT_SECRET must be set to issue tokens the server will accept")
		}
		token, err := auth.NewService(cfg.JWTSecret).IssueToken(args[0], tokenTTL)
		if err != nil {
			return fmt.Errorf("error issuing token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
