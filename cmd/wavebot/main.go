package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"wavebot/internal/alert"
	"wavebot/internal/config"
	"wavebot/internal/core"
	"wavebot/internal/escape"
	"wavebot/internal/exchange"
	"wavebot/internal/exchange/bybit"
	"wavebot/internal/exchange/paper"
	"wavebot/internal/execution"
	"wavebot/internal/grid"
	"wavebot/internal/intent"
	"wavebot/internal/metrics"
	"wavebot/internal/risk"
	"wavebot/internal/safety"
	"wavebot/internal/store"
	"wavebot/internal/wave"
)

const intentJournalLoadLimit = 5000

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	alerts := buildAlertManager(cfg)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, alerts); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		alerts.Important("process_exit", map[string]string{"err": err.Error()})
		fatal(err.Error())
	}
}

func run(ctx context.Context, cfg config.Config, alerts *alert.Manager) error {
	stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Symbol, cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		return err
	}
	instanceLock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		Symbol:          cfg.Symbol,
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
		}
	}()

	var sink intent.Sink
	var journal *intent.Journal
	if *cfg.State.IntentJournal {
		journal, err = intent.OpenJournal(filepath.Join(stateDir, "intents.db"))
		if err != nil {
			return err
		}
		defer journal.Close()
		sink = journal
	}
	intents := intent.NewRegistry(sink)
	if journal != nil {
		if err := journal.Load(ctx, intents, intentJournalLoadLimit); err != nil {
			log.Printf("level=WARN event=intent_journal_load_failed err=%q", err)
		}
	}

	m := metrics.New()
	if addr := cfg.Observability.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := m.Serve(ctx, addr); err != nil {
				log.Printf("level=ERROR event=metrics_server_failed addr=%s err=%q", addr, err)
			}
		}()
	}

	cache := exchange.NewCache()
	runner := &wave.Runner{
		Store:               st,
		Cache:               cache,
		Alerts:              alerts,
		Recorder:            m,
		Symbol:              cfg.Symbol,
		Mode:                string(cfg.Mode),
		InstanceID:          cfg.InstanceID,
		Interval:            cfg.LoopInterval(),
		ErrorBackoff:        time.Duration(cfg.Observability.Runtime.ErrorBackoffSec) * time.Second,
		Heartbeat:           time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		StartupPriceRetries: cfg.Observability.Runtime.StartupPriceRetries,
		StartupPriceWait:    time.Duration(cfg.Observability.Runtime.StartupPriceRetryMsec) * time.Millisecond,
		FatalOnMissingPrice: *cfg.Observability.Runtime.FatalOnMissingPrice,
	}
	venue, stream, err := buildVenue(cfg, runner.OnAccountEvent)
	if err != nil {
		return err
	}
	if stream != nil {
		runner.Stream = stream
	}

	breaker := safety.NewBreaker(breakerConfig(cfg))
	breaker.SetAlerter(alerts)
	guarded := safety.NewGuardedExchange(venue, breaker)

	rules, err := guarded.GetRules(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get rules: %w", err)
	}
	log.Printf("level=INFO event=rules_loaded venue=%s symbol=%s tick=%s step=%s min_qty=%s min_notional=%s",
		venue.Name(), cfg.Symbol, rules.PriceTick, rules.QtyStep, rules.MinQty, rules.MinNotional)

	gate, err := riskGate(cfg)
	if err != nil {
		return err
	}
	executor := execution.NewExecutor(executorConfig(cfg, rules), guarded, intents, execution.SystemClock{})
	executor.SetRecorder(m)

	runner.Exchange = guarded
	runner.Breaker = breaker
	runner.Orchestrator = wave.New(orchestratorConfig(cfg), wave.Deps{
		Exchange: guarded,
		Cache:    cache,
		Executor: executor,
		Grid:     grid.NewEngine(gridConfig(cfg, rules)),
		Escape:   escape.NewEngine(escapeConfig(cfg, rules)),
		Gate:     gate,
		Store:    st,
		Intents:  intents,
		Alerts:   alerts,
		Recorder: m,
	})
	return runner.Run(ctx)
}

// buildVenue returns the account venue for the mode. Paper trades a local
// account against Bybit public prices and has no private stream.
func buildVenue(cfg config.Config, sink func(exchange.AccountEvent)) (exchange.Exchange, wave.AccountStream, error) {
	client := bybit.NewClient(bybitOptions(cfg))
	switch cfg.Mode {
	case config.ModePaper:
		account := paper.New(cfg.Symbol, cfg.Paper.InitialBalance.Decimal, core.Rules{})
		account.SetLeverage(cfg.Strategy.Leverage.Decimal)
		if err := account.SetFees(cfg.Paper.MakerFeeRate.Decimal, cfg.Paper.TakerFeeRate.Decimal); err != nil {
			return nil, nil, err
		}
		account.Subscribe(sink)
		return paper.NewFeed(account, client), nil, nil
	case config.ModeTestnet, config.ModeLive:
		return client, client.NewStream(cfg.Symbol, sink), nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func bybitOptions(cfg config.Config) bybit.Options {
	x := cfg.Exchange
	opts := bybit.Options{
		RestBaseURL:    x.RestBaseURL,
		WSBaseURL:      x.WSBaseURL,
		Category:       x.Category,
		RecvWindow:     time.Duration(x.RecvWindowMs) * time.Millisecond,
		HTTPTimeout:    time.Duration(x.HTTPTimeoutSec) * time.Second,
		RequestsPerSec: x.RequestsPerSec,
		PingInterval:   time.Duration(x.PingIntervalSec) * time.Second,
	}
	if cfg.Mode != config.ModePaper {
		opts.APIKey = x.APIKey
		opts.APISecret = x.APISecret
	}
	return opts
}

func orchestratorConfig(cfg config.Config) wave.Config {
	s := cfg.Strategy
	return wave.Config{
		Symbol:            cfg.Symbol,
		SafeFactor:        s.SafeFactor.Decimal,
		GapATRFactor:      s.GapATRFactor.Decimal,
		GapFloor:          s.GapFloor.Decimal,
		ATRPeriod:         s.ATRPeriod,
		FlatDebounceTicks: s.FlatDebounceTicks,
		RecenterIdle:      time.Duration(s.RecenterIdleMin) * time.Minute,
		RecenterMinLine:   s.RecenterMinLine,
		StreamMaxAge:      time.Duration(cfg.Observability.Runtime.StreamMaxAgeSec) * time.Second,
	}
}

func executorConfig(cfg config.Config, rules core.Rules) execution.Config {
	e := cfg.Execution
	return execution.Config{
		Symbol:         cfg.Symbol,
		Rules:          rules,
		MakerTimeout:   time.Duration(e.MakerTimeoutSec) * time.Second,
		TakerTimeout:   time.Duration(e.TakerTimeoutMs) * time.Millisecond,
		PollInterval:   time.Duration(e.PollIntervalMs) * time.Millisecond,
		CancelSettle:   50 * time.Millisecond,
		SliceThreshold: e.SliceThreshold.Decimal,
		SliceCount:     e.SliceCount,
		SliceOffsetBps: e.SliceOffsetBps.Decimal,
		SliceDelay:     time.Duration(e.SliceDelayMs) * time.Millisecond,
		DedupTTL:       time.Duration(e.DedupTTLSec) * time.Second,
	}
}

func gridConfig(cfg config.Config, rules core.Rules) grid.Config {
	return grid.Config{
		Leverage:          cfg.Strategy.Leverage.Decimal,
		MaxAllocationRate: cfg.Strategy.MaxAllocationRate.Decimal,
		MinDistanceGaps:   cfg.Strategy.MinDistanceGaps.Decimal,
		Rules:             rules,
	}
}

func escapeConfig(cfg config.Config, rules core.Rules) escape.Config {
	return escape.Config{
		Leverage:           cfg.Strategy.Leverage.Decimal,
		PairExitRate:       cfg.Escape.PairExitRate.Decimal,
		HedgeMaxFactor:     cfg.Escape.HedgeMaxFactor.Decimal,
		BreakevenTolerance: cfg.Escape.BreakevenTolerance.Decimal,
		Rules:              rules,
	}
}

func riskGate(cfg config.Config) (*risk.Gate, error) {
	events, err := cfg.NewsEvents()
	if err != nil {
		return nil, err
	}
	r := cfg.Risk
	return risk.NewGate(risk.Config{
		PauseDuration:        time.Duration(r.PauseMin) * time.Minute,
		TripRange:            r.TripRange.Decimal,
		TripVolumeMultiple:   r.TripVolumeMultiple.Decimal,
		ResumeVolumeMultiple: r.ResumeVolumeMultiple.Decimal,
		NewsBefore:           time.Duration(r.NewsBeforeMin) * time.Minute,
		NewsAfter:            time.Duration(r.NewsAfterMin) * time.Minute,
		NewsEvents:           events,
	}), nil
}

func breakerConfig(cfg config.Config) safety.Config {
	cb := cfg.CircuitBreaker
	return safety.Config{
		Enabled:           cb.Enabled,
		MaxPlaceFailures:  cb.MaxPlaceFailures,
		MaxCancelFailures: cb.MaxCancelFailures,
		MaxStreamFailures: cb.MaxStreamFailures,
		Cooldown:          time.Duration(cb.CooldownSec) * time.Second,
		HalfOpenSuccesses: cb.TrialPasses,
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// buildAlertManager sends to Telegram when enabled and to the log otherwise.
func buildAlertManager(cfg config.Config) *alert.Manager {
	rt := cfg.Observability.Runtime
	opts := alert.ManagerOptions{
		DropReportInterval: time.Duration(rt.AlertDropReportSec) * time.Second,
		SendEvery:          time.Duration(rt.AlertSendEveryMs) * time.Millisecond,
		RepeatWindow:       time.Duration(rt.AlertRepeatWindowSec) * time.Second,
	}
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		opts.SendEvery = 0
		return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, alert.LogNotifier{}, opts)
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
		Silent:   tg.Silent,
	})
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, opts)
}
