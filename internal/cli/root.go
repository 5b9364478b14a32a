// Package cli implements the paycore command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/slotbook/paycore/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "paycore",
	Short: "Payment core for the booking platform",
	Long: `paycore receives payment provider webhooks, keeps the payment ledger,
allocates store credit and pays platform commission out of the merchant
account. Run "paycore serve" for the HTTP server and scheduler; the other
commands run one job against the configured database and exit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "paycore.toml", "Path to the TOML config file")
}

// Execute runs the root command.
func Execute(ctx context.Context, version string) error {
	rootCmd.Version = version
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig reads the file named by --config plus environment overrides.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return daemon.LoadConfig(path)
}

// openCore wires the core for a one-shot command. Side effects run inline so
// nothing is left queued when the command returns.
func openCore(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := daemon.NewLogger(cfg.App)
	if err != nil {
		return nil, err
	}
	return daemon.New(commandContext(cmd), cfg, log, daemon.Options{Inline: true})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
