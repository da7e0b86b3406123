package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"odoo-ops-relay/internal/app"
	"odoo-ops-relay/internal/config"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "Run relay operations once from the command line",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(dlqCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the full component graph for one command and closes it
// afterwards. Logs go to stderr so stdout stays machine readable.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	a, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
