// Package daemon loads configuration and wires the payment core together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slotbook/paycore/internal/api"
	"github.com/slotbook/paycore/internal/app/commission"
	"github.com/slotbook/paycore/internal/app/credits"
	"github.com/slotbook/paycore/internal/app/executor"
	"github.com/slotbook/paycore/internal/app/payments"
	"github.com/slotbook/paycore/internal/app/scheduler"
	"github.com/slotbook/paycore/internal/app/webhook"
	"github.com/slotbook/paycore/internal/domain"
	"github.com/slotbook/paycore/internal/infra/events"
	"github.com/slotbook/paycore/internal/infra/memstate"
	"github.com/slotbook/paycore/internal/infra/provider"
	"github.com/slotbook/paycore/internal/infra/redisstate"
	"github.com/slotbook/paycore/internal/infra/store"
)

// NewLogger builds the process logger. "dev" gets the human-readable
// development logger; everything else gets JSON.
func NewLogger(app AppConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if app.LogLevel != "" {
		if err := level.UnmarshalText([]byte(app.LogLevel)); err != nil {
			return nil, fmt.Errorf("%w: log level %q", domain.ErrConfiguration, app.LogLevel)
		}
	}
	var zcfg zap.Config
	if app.Env == "dev" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Options changes how New wires the core.
type Options struct {
	// Inline runs side effects synchronously. CLI one-shots use it so the
	// process does not exit with work still queued.
	Inline bool
}

// Daemon is the wired payment core.
type Daemon struct {
	Config     Config
	Log        *zap.Logger
	DB         *store.DB
	Provider   *provider.Client
	Executor   *executor.Executor
	Credits    *credits.Allocator
	Commission *commission.Ledger
	Payouts    *commission.Controller
	Payments   *payments.Ledger
	Webhooks   *webhook.Processor
	Scheduler  *scheduler.Scheduler

	closers []func() error
}

// sharedState is what the provider client and payout lock need from Redis or
// its local stand-ins.
type sharedState struct {
	breakers domain.BreakerStore
	tokens   domain.TokenCache
	locker   domain.Locker
}

// collaborators are the outbound event sinks.
type collaborators interface {
	domain.Notifier
	domain.Fulfiller
}

// New opens every dependency named by cfg and builds the core. Close releases
// them.
func New(ctx context.Context, cfg Config, log *zap.Logger, opts Options) (*Daemon, error) {
	d := &Daemon{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			d.closeAll()
		}
	}()

	var err error
	dsn := cfg.Database.Dir
	if cfg.Database.Driver == "postgres" {
		dsn = cfg.Database.DSN
	}
	d.DB, err = store.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.closers = append(d.closers, d.DB.Close)

	pct, threshold := cfg.PayoutSeed()
	if err = d.DB.EnsurePayoutSettings(ctx, pct, threshold); err != nil {
		return nil, err
	}

	state, err := d.openSharedState(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := d.openEvents()
	if err != nil {
		return nil, err
	}

	execCfg := cfg.SideEffects()
	execCfg.Inline = opts.Inline
	d.Executor = executor.New(execCfg, log)

	d.Provider = provider.New(cfg.ProviderClient(), state.breakers, state.tokens, log)
	d.Credits = credits.New(d.DB, cfg.CreditAllocator(), log)
	d.Commission = commission.NewLedger(d.DB, cfg.CommissionLedger(), log)
	d.Payouts = commission.NewController(cfg.PayoutController(), commission.Deps{
		DB:       d.DB,
		Ledger:   d.Commission,
		Payouts:  d.Provider,
		Locker:   state.locker,
		Auditor:  d.DB,
		Admins:   cfg.SuperAdmins(),
		Notifier: sink,
		Executor: d.Executor,
		Log:      log,
	})
	d.Payments = payments.New(cfg.PaymentsLedger(), payments.Deps{
		DB:         d.DB,
		Credits:    d.Credits,
		Commission: d.Commission,
		Payouts:    d.Payouts,
		Gateway:    d.Provider,
		Fulfiller:  sink,
		Notifier:   sink,
		Auditor:    d.DB,
		Executor:   d.Executor,
		Log:        log,
	})
	d.Webhooks = webhook.NewProcessor(
		webhook.NewVerifier(cfg.Webhook.EventsSecret, cfg.ReplayWindow()),
		d.Payments, d.DB, log)

	d.Scheduler = scheduler.New(log)
	if err = d.registerJobs(); err != nil {
		return nil, err
	}
	ok = true
	return d, nil
}

func (d *Daemon) openSharedState(ctx context.Context) (sharedState, error) {
	if d.Config.Redis.Addr == "" {
		d.Log.Info("redis not configured, keeping provider state in the database and process")
		return sharedState{
			breakers: d.DB,
			tokens:   memstate.NewTokens(),
			locker:   memstate.NewLocker(),
		}, nil
	}
	opts := d.Config.RedisOptions()
	rdb, err := redisstate.Connect(ctx, opts)
	if err != nil {
		return sharedState{}, err
	}
	d.closers = append(d.closers, rdb.Close)
	rs := redisstate.New(rdb, opts.Prefix)
	return sharedState{breakers: rs, tokens: rs, locker: rs}, nil
}

func (d *Daemon) openEvents() (collaborators, error) {
	if len(d.Config.Kafka.Brokers) == 0 {
		d.Log.Info("kafka not configured, events are logged only")
		return events.NewLogSink(d.Log), nil
	}
	producer, err := events.NewKafkaProducer(d.Config.Kafka.Brokers, d.Config.Kafka.ClientID)
	if err != nil {
		return nil, err
	}
	pub := events.NewPublisher(producer, d.Config.Topics(), d.Log)
	d.closers = append(d.closers, pub.Close)
	return pub, nil
}

func (d *Daemon) registerJobs() error {
	sc := d.Config.Scheduler
	jobs := []scheduler.Job{
		{
			Name:     scheduler.JobPayoutEvaluate,
			Interval: mustDuration(sc.PayoutEvaluate),
			Run: func(ctx context.Context) error {
				res, err := d.Payouts.Evaluate(ctx)
				if err != nil {
					return err
				}
				d.Log.Info("payout evaluation",
					zap.String("action", res.Action),
					zap.String("debt", res.Debt.String()),
					zap.String("paid", res.Paid.String()),
					zap.Bool("in_default", res.InDefault))
				return nil
			},
		},
		{
			Name:     scheduler.JobPollPending,
			Interval: mustDuration(sc.PollPending),
			Run: func(ctx context.Context) error {
				sum, err := d.Payments.PollPending(ctx)
				if sum.Checked > 0 {
					d.Log.Info("polled pending payments",
						zap.Int("checked", sum.Checked),
						zap.Int("changed", sum.Changed),
						zap.Int("failed", sum.Failed))
				}
				return err
			},
		},
		{
			Name:     scheduler.JobExpireStale,
			Interval: mustDuration(sc.ExpireStale),
			Run: func(ctx context.Context) error {
				n, err := d.Payments.ExpireStale(ctx)
				if n > 0 {
					d.Log.Info("timed out stale payments", zap.Int("count", n))
				}
				return err
			},
		},
		{
			Name:     scheduler.JobExpireCredits,
			Interval: mustDuration(sc.ExpireCredits),
			Run: func(ctx context.Context) error {
				n, err := d.Credits.ExpireCredits(ctx, time.Now())
				if n > 0 {
					d.Log.Info("expired credits", zap.Int64("count", n))
				}
				return err
			},
		},
		{
			Name:     scheduler.JobFulfillments,
			Interval: mustDuration(sc.Fulfillments),
			Run: func(ctx context.Context) error {
				sum, err := d.Payments.DispatchFulfillments(ctx)
				if sum.Pending > 0 {
					d.Log.Info("retried fulfillments",
						zap.Int("pending", sum.Pending),
						zap.Int("dispatched", sum.Dispatched),
						zap.Int("failed", sum.Failed))
				}
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := d.Scheduler.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// Handler builds the HTTP API.
func (d *Daemon) Handler() http.Handler {
	s := api.NewServer(d.Webhooks, d.Log)
	s.EnableMetrics()
	s.SetHealthCheck(d.DB)
	s.SetCORSOrigins(d.Config.API.CORSOrigins)
	s.SetTimeout(d.Config.RequestTimeout())
	s.SetMaxBodyBytes(d.Config.API.MaxBodyBytes)
	s.SetAdmin(&api.AdminAPI{
		Token:    d.Config.API.AdminToken,
		Payments: d.Payments,
		Payouts:  d.Payouts,
		Credits:  d.Credits,
	})
	return s.Handler()
}

// Run serves HTTP and runs the scheduler until ctx is cancelled, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	if d.Config.Scheduler.Enabled {
		d.Scheduler.Start(jobCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		d.Log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	d.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.Log.Warn("http shutdown", zap.Error(err))
	}
	stopJobs()
	d.Scheduler.Wait()
	return runErr
}

// Close drains pending side effects and releases every dependency.
func (d *Daemon) Close() error {
	if d.Executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Executor.Shutdown(ctx); err != nil {
			d.Log.Warn("executor shutdown", zap.Error(err))
		}
	}
	return d.closeAll()
}

func (d *Daemon) closeAll() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
