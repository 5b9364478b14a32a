package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/slotbook/paycore/internal/app/commission"
	"github.com/slotbook/paycore/internal/domain"
)

func init() {
	rootCmd.AddCommand(payoutsCmd)
	payoutsCmd.AddCommand(payoutsEvaluateCmd)
	payoutsCmd.AddCommand(payoutsManualCmd)
	payoutsCmd.AddCommand(payoutsSettingsCmd)
	payoutsCmd.AddCommand(payoutsDebtCmd)

	payoutsCmd.PersistentFlags().String("actor", "cli", "Operator recorded in the audit log")
	payoutsManualCmd.Flags().String("amount", "", "Amount paid outside the provider")
	payoutsManualCmd.Flags().String("note", "", "Free-text note for the audit log")
	payoutsManualCmd.MarkFlagRequired("amount")
	payoutsSettingsCmd.Flags().String("pct", "", "New commission percentage")
	payoutsSettingsCmd.Flags().String("threshold", "", "New payout threshold")
	payoutsDebtCmd.Flags().Int("recent", 10, "Number of recent payouts to list")
	payoutsDebtCmd.Flags().Bool("json", false, "Print JSON")
}

var payoutsCmd = &cobra.Command{
	Use:   "payouts",
	Short: "Inspect and settle platform commission",
	Long: `Commission accrues on every approved payment. Payouts transfer it from
the merchant account oldest entry first; a shortfall puts the account in
default until the debt is cleared.`,
}

// ─── payouts evaluate ───────────────────────────────────────────────────────

var payoutsEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run a payout evaluation now",
	Args:  cobra.NoArgs,
	RunE:  runPayoutsEvaluate,
}

func runPayoutsEvaluate(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Payouts.Evaluate(commandContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Action:     %s\n", res.Action)
	fmt.Fprintf(out, "Debt:       %s\n", res.Debt.StringFixed(2))
	if res.Payout != nil {
		fmt.Fprintf(out, "Paid:       %s (%s)\n", res.Paid.StringFixed(2), res.Payout.TransferReference)
		fmt.Fprintf(out, "Remaining:  %s\n", res.Remaining.StringFixed(2))
	}
	fmt.Fprintf(out, "In default: %v\n", res.InDefault)
	return nil
}

// ─── payouts manual ─────────────────────────────────────────────────────────

var payoutsManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Record a payout made outside the provider",
	Long: `Apply an amount paid by other means (for example a bank deposit) to the
oldest outstanding commission. Waits for a running evaluation to finish.`,
	Args: cobra.NoArgs,
	RunE: runPayoutsManual,
}

func runPayoutsManual(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("amount")
	note, _ := cmd.Flags().GetString("note")
	actor, _ := cmd.Flags().GetString("actor")
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: --amount %q", domain.ErrInvalidAmount, raw)
	}

	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	dist, err := d.Payouts.ManualPayout(commandContext(cmd), actor, amount, note)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reference: %s\n", dist.TransferReference)
	fmt.Fprintf(out, "Applied:   %s to %d entries\n", dist.Applied.StringFixed(2), len(dist.Chunks))
	if dist.Unapplied.IsPositive() {
		fmt.Fprintf(out, "Unapplied: %s\n", dist.Unapplied.StringFixed(2))
	}
	return nil
}

// ─── payouts settings ───────────────────────────────────────────────────────

var payoutsSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the commission percentage and payout threshold",
	Args:  cobra.NoArgs,
	RunE:  runPayoutsSettings,
}

func runPayoutsSettings(cmd *cobra.Command, args []string) error {
	var u commission.SettingsUpdate
	for _, f := range []struct {
		name string
		dst  **decimal.Decimal
	}{{"pct", &u.CommissionPct}, {"threshold", &u.Threshold}} {
		raw, _ := cmd.Flags().GetString(f.name)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%w: --%s %q", domain.ErrInvalidAmount, f.name, raw)
		}
		*f.dst = &v
	}

	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := commandContext(cmd)
	var s *domain.PayoutSettings
	if u.CommissionPct == nil && u.Threshold == nil {
		s, err = d.Payouts.Settings(ctx)
	} else {
		actor, _ := cmd.Flags().GetString("actor")
		s, err = d.Payouts.UpdateSettings(ctx, actor, u)
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Commission: %s%%\n", s.CommissionPct)
	fmt.Fprintf(out, "Threshold:  %s\n", s.Threshold.StringFixed(2))
	fmt.Fprintf(out, "In default: %v\n", s.InDefault)
	if s.InDefault {
		fmt.Fprintf(out, "Debt:       %s\n", s.DefaultDebt.StringFixed(2))
	}
	return nil
}

// ─── payouts debt ───────────────────────────────────────────────────────────

var payoutsDebtCmd = &cobra.Command{
	Use:   "debt",
	Short: "Show outstanding commission and recent payouts",
	Args:  cobra.NoArgs,
	RunE:  runPayoutsDebt,
}

func runPayoutsDebt(cmd *cobra.Command, args []string) error {
	recent, _ := cmd.Flags().GetInt("recent")
	asJSON, _ := cmd.Flags().GetBool("json")

	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	debt, err := d.Payouts.Debt(commandContext(cmd), recent)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, debt)
	}
	fmt.Fprintf(out, "Pending:    %s\n", debt.Pending.StringFixed(2))
	fmt.Fprintf(out, "Total:      %s\n", debt.Total.StringFixed(2))
	fmt.Fprintf(out, "In default: %v\n", debt.Settings.InDefault)
	if len(debt.Payouts) > 0 {
		fmt.Fprintln(out, "\nRecent payouts:")
		for _, p := range debt.Payouts {
			fmt.Fprintf(out, "  %s  %-8s %12s  %s\n",
				p.CreatedAt.Format("2006-01-02 15:04"), p.Source, p.Amount.StringFixed(2), p.TransferReference)
		}
	}
	return nil
}
