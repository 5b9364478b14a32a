package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/slotbook/paycore/internal/app/credits"
	"github.com/slotbook/paycore/internal/domain"
)

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsExpireCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)

	creditsGrantCmd.Flags().String("amount", "", "Credit amount")
	creditsGrantCmd.Flags().String("source", string(domain.CreditFromManual), "MANUAL or REFUND")
	creditsGrantCmd.Flags().Int("days", 0, "Validity in days (default from config)")
	creditsGrantCmd.Flags().String("payment", "", "Originating payment, for refunds")
	creditsGrantCmd.MarkFlagRequired("amount")
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage client store credit",
}

// ─── credits expire ─────────────────────────────────────────────────────────

var creditsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire credits past their validity date",
	Args:  cobra.NoArgs,
	RunE:  runCreditsExpire,
}

func runCreditsExpire(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	n, err := d.Credits.ExpireCredits(commandContext(cmd), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Expired %d credits\n", n)
	return nil
}

// ─── credits balance ────────────────────────────────────────────────────────

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's usable credit",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	bal, err := d.Credits.Balance(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", bal.StringFixed(2))
	return nil
}

// ─── credits grant ──────────────────────────────────────────────────────────

var creditsGrantCmd = &cobra.Command{
	Use:   "grant USER_ID",
	Short: "Give a user store credit",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsGrant,
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("amount")
	source, _ := cmd.Flags().GetString("source")
	days, _ := cmd.Flags().GetInt("days")
	payment, _ := cmd.Flags().GetString("payment")

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: --amount %q", domain.ErrInvalidAmount, raw)
	}
	src := domain.CreditSource(strings.ToUpper(source))
	if src != domain.CreditFromManual && src != domain.CreditFromRefund {
		return fmt.Errorf("--source must be MANUAL or REFUND, got %q", source)
	}

	d, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	c, err := d.Credits.Grant(commandContext(cmd), d.DB, credits.Grant{
		UserID:          args[0],
		Amount:          amount,
		Source:          src,
		OriginPaymentID: payment,
		ValidityDays:    days,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s (credit %s, expires %s)\n",
		c.Initial.StringFixed(2), c.UserID, c.ID, c.ExpiresOn.Format(domain.DateLayout))
	return nil
}
