// ucpd is the UCP engine daemon and CLI.
//
// It serves the compile/execute HTTP API and carries a few offline
// subcommands: compiling a prompt to a packet on stdout, and minting the
// first API key of a deployment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ucplabs/ucp/internal/compiler"
	"github.com/ucplabs/ucp/internal/config"
	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/pkg/models"
	"github.com/ucplabs/ucp/pkg/server"
)

func main() {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "ucpd",
		Short: "UCP compiler and execution engine",
	}
	root.AddCommand(serveCmd(), compileCmd(), keygenCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Msg("🧩 UCP engine starting...")
			srv, err := server.New(ctx)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}

			httpServer := &http.Server{
				Addr:         fmt.Sprintf(":%d", srv.Port),
				Handler:      srv.Handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
				<-sigChan

				log.Info().Msg("🛑 Shutting down gracefully...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				httpServer.Shutdown(shutdownCtx)
				srv.ShutdownFunc(shutdownCtx)
			}()

			log.Info().Int("port", srv.Port).Msg("🚀 UCP engine listening")

			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}
}

func compileCmd() *cobra.Command {
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "compile <prompt>",
		Short: "Compile a prompt to a command packet on stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// Offline compilation never touches the network; force the
			// in-memory store regardless of DATABASE_URL.
			cfg := config.Load()
			cfg.Database.URL = ""
			cfg.Database.SnapshotPath = ""
			cfg.Telemetry.Enabled = false

			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}
			defer srv.ShutdownFunc(ctx)

			result, err := srv.Pipeline.Compile(ctx, compiler.CompileRequest{
				RawPrompt: strings.Join(args, " "),
				MaxTokens: maxTokens,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "token budget override")
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		name  string
		perms []string
		rate  int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Mint an API key against the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg := config.Load()
			cfg.Telemetry.Enabled = false
			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}
			defer srv.ShutdownFunc(ctx)

			in := keys.GenerateInput{Name: name, RateLimit: rate}
			for _, p := range perms {
				in.Permissions = append(in.Permissions, models.Permission(p))
			}
			plaintext, key, err := srv.Keys.Generate(ctx, in)
			if err != nil {
				return err
			}

			fmt.Printf("key:        %s\n", plaintext)
			fmt.Printf("id:         %s\n", key.ID)
			fmt.Printf("prefix:     %s\n", key.KeyPrefix)
			fmt.Printf("rate limit: %d/hour\n", key.RateLimit)
			fmt.Println("\nStore this key now. It cannot be retrieved again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&perms, "permissions", nil, "permissions (execute,read,http,storage,llm)")
	cmd.Flags().IntVar(&rate, "rate-limit", 0, "requests per hour (0 = default)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.Load().Version)
		},
	}
}
