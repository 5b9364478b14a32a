package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(paymentsCmd)
	paymentsCmd.AddCommand(paymentsExpireCmd)
	paymentsCmd.AddCommand(paymentsPollCmd)
	paymentsCmd.AddCommand(paymentsDispatchCmd)
	paymentsCmd.AddCommand(paymentsConfirmCmd)
	paymentsCmd.AddCommand(paymentsCancelCmd)
	paymentsCmd.AddCommand(paymentsShowCmd)

	paymentsConfirmCmd.Flags().String("actor", "cli", "Operator recorded in the audit log")
	paymentsShowCmd.Flags().Bool("json", false, "Print JSON")
}

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Maintain the payment ledger",
}

// ─── payments expire ────────────────────────────────────────────────────────

var paymentsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Time out stale PENDING payments",
	Long: `Move PENDING payments that never reached the provider, or that have
been pending too long, to TIMEOUT and release their store credit.`,
	Args: cobra.NoArgs,
	RunE: runPaymentsExpire,
}

func runPaymentsExpire(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	n, err := d.Payments.ExpireStale(commandContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d payments\n", n)
	return nil
}

// ─── payments poll ──────────────────────────────────────────────────────────

var paymentsPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Ask the provider about PENDING payments",
	Args:  cobra.NoArgs,
	RunE:  runPaymentsPoll,
}

func runPaymentsPoll(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	sum, err := d.Payments.PollPending(commandContext(cmd))
	fmt.Fprintf(cmd.OutOrStdout(), "Checked %d, changed %d, failed %d\n", sum.Checked, sum.Changed, sum.Failed)
	return err
}

// ─── payments dispatch ──────────────────────────────────────────────────────

var paymentsDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Retry fulfillments that were not published",
	Args:  cobra.NoArgs,
	RunE:  runPaymentsDispatch,
}

func runPaymentsDispatch(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	sum, err := d.Payments.DispatchFulfillments(commandContext(cmd))
	fmt.Fprintf(cmd.OutOrStdout(), "Pending %d, dispatched %d, failed %d\n", sum.Pending, sum.Dispatched, sum.Failed)
	return err
}

// ─── payments confirm ───────────────────────────────────────────────────────

var paymentsConfirmCmd = &cobra.Command{
	Use:   "confirm PAYMENT_ID",
	Short: "Re-query the provider for one payment and apply the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runPaymentsConfirm,
}

func runPaymentsConfirm(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")

	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Payments.ConfirmManually(commandContext(cmd), args[0], actor)
	if err != nil {
		return err
	}
	if res.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Payment %s: %s -> %s\n", res.Payment.ID, res.Previous, res.Payment.Status)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Payment %s unchanged: %s\n", res.Payment.ID, res.Payment.Status)
	}
	return nil
}

// ─── payments cancel-booking ────────────────────────────────────────────────

var paymentsCancelCmd = &cobra.Command{
	Use:   "cancel-booking APPOINTMENT_ID",
	Short: "Cancel the PENDING payments of an appointment",
	Args:  cobra.ExactArgs(1),
	RunE:  runPaymentsCancel,
}

func runPaymentsCancel(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	cancelled, err := d.Payments.CancelBookingPayments(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d payments\n", len(cancelled))
	for _, p := range cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", p.ID, p.Reference)
	}
	return nil
}

// ─── payments show ──────────────────────────────────────────────────────────

var paymentsShowCmd = &cobra.Command{
	Use:   "show [PAYMENT_ID]",
	Short: "Show one payment, or payment counts by status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPaymentsShow,
}

func runPaymentsShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		counts, err := d.Payments.Counts(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(out, counts)
		}
		for status, n := range counts {
			fmt.Fprintf(out, "%-18s %d\n", status, n)
		}
		return nil
	}

	p, err := d.Payments.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, p)
	}
	fmt.Fprintf(out, "ID:        %s\n", p.ID)
	fmt.Fprintf(out, "Reference: %s\n", p.Reference)
	fmt.Fprintf(out, "Type:      %s\n", p.Type)
	fmt.Fprintf(out, "Status:    %s\n", p.Status)
	fmt.Fprintf(out, "Amount:    %s\n", p.Amount.StringFixed(2))
	if p.TransactionID != "" {
		fmt.Fprintf(out, "Provider:  %s\n", p.TransactionID)
	}
	return nil
}
