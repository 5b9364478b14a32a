package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Override api.host")
	serveCmd.Flags().Int("port", 0, "Override api.port")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve HTTP only; periodic jobs run elsewhere")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and periodic jobs",
	Long: `Start the webhook receiver, operator API and scheduler. Provider
credentials, the webhook events secret and the admin token must be
configured. SIGINT or SIGTERM triggers a graceful shutdown that drains
in-flight requests and queued side effects.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.API.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.API.Port = port
	}
	if off, _ := cmd.Flags().GetBool("no-scheduler"); off {
		cfg.Scheduler.Enabled = false
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	log, err := daemon.NewLogger(cfg.App)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, log, daemon.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			log.Warn("close", zap.Error(cerr))
		}
	}()

	log.Info("paycore starting",
		zap.String("version", rootCmd.Version),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("kafka", len(cfg.Kafka.Brokers) > 0),
		zap.Bool("scheduler", cfg.Scheduler.Enabled))
	return d.Run(ctx)
}
