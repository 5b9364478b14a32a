package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Long: `Apply the schema to the configured database and seed the payout
settings row from [commission] if it does not exist yet. Safe to run
repeatedly.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := d.Payouts.Settings(commandContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Database ready (%s)\n", d.DB.Dialect())
	fmt.Fprintf(cmd.OutOrStdout(), "Commission: %s%%  Threshold: %s  In default: %v\n",
		s.CommissionPct, s.Threshold.StringFixed(2), s.InDefault)
	return nil
}
