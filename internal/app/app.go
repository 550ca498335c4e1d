package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"marlin/internal/broker"
	"marlin/internal/broker/binance"
	"marlin/internal/broker/paper"
	"marlin/internal/config"
	"marlin/internal/logger"
	"marlin/internal/reconcile"
	"marlin/internal/record"
	"marlin/internal/state"
	"marlin/internal/store/gormstore"
	"marlin/internal/store/recording"
	"marlin/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// App wires the ledger, broker, state manager, reconciler and recorder
// into one runnable trading loop.
type App struct {
	cfg     *config.Config
	cfgPath string

	ledger     *gormstore.GormStore
	recStore   *recording.Store
	states     *state.Manager
	reconciler *reconcile.Reconciler
	recorder   *record.Recorder
	broker     broker.Broker
	decide     strategy.DecideFunc

	// live bookkeeping for the loop, rebuilt at startup
	cash    float64
	entries map[string]state.Position // open positions by symbol
}

func New(cfg *config.Config, cfgPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app requires a config")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
		return nil, err
	}
	ledger, err := gormstore.New(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	a := &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		ledger:  ledger,
		states:  state.NewManager(ledger, cfg.App.InstanceID),
		entries: make(map[string]state.Position),
	}

	a.broker, err = newBroker(cfg.Broker)
	if err != nil {
		ledger.Close()
		return nil, err
	}
	a.reconciler = reconcile.New(a.states, a.broker)

	if cfg.Recording.Enabled {
		a.recStore, err = recording.NewStore(cfg.Recording.Path)
		if err != nil {
			ledger.Close()
			return nil, fmt.Errorf("opening recording store: %w", err)
		}
		a.recorder = record.NewRecorder(a.recStore)
	}

	a.decide, err = newDecide(cfg.Strategy.Name)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func newBroker(cfg config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Kind {
	case "binance":
		return binance.New(binance.Config{
			APIKey:       cfg.APIKey,
			SecretKey:    cfg.SecretKey,
			RESTBaseURL:  cfg.RESTBaseURL,
			HTTPTimeout:  cfg.HTTPTimeout,
			ProxyEnabled: cfg.ProxyEnabled,
			ProxyURL:     cfg.ProxyURL,
		})
	case "paper":
		return paper.New(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

func newDecide(name string) (strategy.DecideFunc, error) {
	switch strings.TrimSpace(name) {
	case "", "sma_cross":
		return strategy.SMACross(), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// Run drives the full lifecycle: crash recovery, session setup,
// reconciliation, the trading loop, and graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.closeStores()

	if err := a.startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(gctx) })
	g.Go(func() error { return a.watchConfig(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startup recovers crashed sessions, establishes the working session and
// reconciles against the broker. A reconciliation failure aborts the run:
// trading never starts from unverified state.
func (a *App) startup(ctx context.Context) error {
	recovered, err := a.states.RecoverCrashedSessions(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warnf("relabeled %d stale session(s) as crashed", recovered)
	}

	if id := strings.TrimSpace(a.cfg.Loop.ResumeSessionID); id != "" {
		sess, err := a.states.ResumeSession(ctx, id)
		if err != nil {
			return err
		}
		logger.Infof("resuming session %s (started %s)", sess.ID, sess.StartedAt.Format("2006-01-02 15:04:05"))
		a.restoreAccount(ctx, sess.InitialCapital)
	} else {
		id, err := a.states.CreateSession(ctx,
			a.cfg.Loop.Symbols, a.cfg.Loop.InitialCapital, 0,
			a.cfg.Strategy.Name, a.cfg.Strategy.Params)
		if err != nil {
			return err
		}
		logger.Infof("session %s started", id)
		a.cash = a.cfg.Loop.InitialCapital
	}

	report, err := a.reconciler.FullRecovery(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed, refusing to trade: %w", err)
	}
	logger.Infof("startup reconciliation: matched=%d closed=%d imported=%d flagged=%d",
		report.Matched, report.Closed, report.Imported, report.Flagged)

	if err := a.states.ReactivateSession(ctx); err != nil {
		return err
	}

	open, err := a.states.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		a.entries[pos.Symbol] = pos
	}

	if a.recorder != nil {
		if err := a.recorder.Start(ctx, a.states.CurrentSession()); err != nil {
			logger.Warnf("recording disabled for this run: %v", err)
			a.recorder = nil
		}
	}
	return nil
}

// restoreAccount rebuilds cash from the newest checkpoint. Without one the
// session's initial capital is the best available estimate.
func (a *App) restoreAccount(ctx context.Context, initialCapital float64) {
	restored, err := a.states.RestoreFromLatestCheckpoint(ctx)
	switch {
	case err == nil:
		a.cash = restored.Account.Cash
		logger.Infof("restored account from checkpoint %s (cash %.2f, %d open positions)",
			restored.CheckpointID, restored.Account.Cash, len(restored.Positions))
	case errors.Is(err, state.ErrNoCheckpoint):
		a.cash = initialCapital
	default:
		logger.Warnf("checkpoint restore failed, falling back to initial capital: %v", err)
		a.cash = initialCapital
	}
}

func (a *App) watchConfig(ctx context.Context) error {
	if strings.TrimSpace(a.cfgPath) == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	return config.Watch(ctx, a.cfgPath, func(next *config.Config) {
		logger.SetLevel(next.App.LogLevel)
		logger.Infof("config reloaded, log level now %s", next.App.LogLevel)
	})
}

func (a *App) closeStores() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("closing ledger: %v", err)
		}
	}
	if a.recStore != nil {
		if err := a.recStore.Close(); err != nil {
			logger.Warnf("closing recording store: %v", err)
		}
	}
}
