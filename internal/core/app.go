// Package core wires the application together: config, logging, storage, the
// connection manager, the scheduler, the settlement poller and the periodic
// loops that drive them.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cobrabot/internal/config"
	"cobrabot/internal/notifier"
	"cobrabot/internal/payments"
	rtsup "cobrabot/internal/runtime/supervisor"
	"cobrabot/internal/sched"
	"cobrabot/internal/store"
	"cobrabot/internal/wagate"
	logx "cobrabot/pkg/logx"
)

// App owns every long-running component. Construction wires, Run drives.
type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	loc  *time.Location
	st   store.Store
	wa   *wagate.Manager
	ctrl *wagate.HTTPServer
	tg   *notifier.Telegram
	schd *sched.Service
	pay  *payments.Poller

	cron *cron.Cron
	sup  *rtsup.Supervisor
}

// New loads and validates configuration and constructs every component.
// Nothing is started yet.
func New(cfgPath string, transport wagate.Transport) (*App, error) {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Parse()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	config.ApplyEnv(cfg)
	mgr.Commit(cfg)

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg, transport); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, transport wagate.Transport) error {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "America/Sao_Paulo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}
	a.loc = loc

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, a.log.With(logx.String("svc", "store")))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st

	waCfg, err := whatsappConfig(cfg.WhatsApp)
	if err != nil {
		return err
	}
	wa, err := wagate.New(waCfg, transport, a.log.With(logx.String("svc", "wagate")))
	if err != nil {
		return fmt.Errorf("wagate: %w", err)
	}
	a.wa = wa
	a.ctrl = wagate.NewHTTPServer(waCfg.HTTP, wa, a.log.With(logx.String("svc", "wagate.http")))

	tg, err := notifier.New(notifier.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: float64(cfg.Telegram.RatePerSec),
	}, a.log.With(logx.String("svc", "notifier")))
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	a.tg = tg

	schedCfg, err := schedulerConfig(cfg.Scheduler, loc)
	if err != nil {
		return err
	}
	a.schd = sched.New(schedCfg, st, waDispatcher{wa}, tg, notifier.FixedRenderer{}, a.log.With(logx.String("svc", "sched")))

	payCfg, err := paymentsConfig(cfg.Payments, loc)
	if err != nil {
		return err
	}
	gw := payments.NewHTTPGateway(cfg.Payments.GatewayURL, cfg.Payments.GatewayToken)
	a.pay = payments.New(payCfg, st, gw, tg, a.log.With(logx.String("svc", "payments")))

	return nil
}

// waDispatcher adapts the connection manager to the scheduler's send side.
type waDispatcher struct {
	wa *wagate.Manager
}

func (d waDispatcher) SendReminder(ctx context.Context, userID int64, c store.Client, text string) (string, error) {
	return d.wa.Send(ctx, userID, c.Phone, text)
}

// Run starts everything, then blocks until ctx is canceled and the shutdown
// completes. In-flight batches get a bounded grace period so the execution
// ledger is never left half-applied.
func (a *App) Run(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("svc", "supervisor"))))

	if err := a.wa.Start(ctx); err != nil {
		return fmt.Errorf("wagate: %w", err)
	}
	a.ctrl.Start(ctx)
	if a.schd.Enabled() {
		a.schd.Start(ctx)
	}

	a.cron = cron.New(cron.WithLocation(a.loc))
	if a.schd.Enabled() {
		tick := a.schd.TickInterval()
		a.mustCron(every(tick), func() { a.schd.Tick(ctx, time.Now()) })
		a.mustCron("@every 1h", func() { a.schd.SweepOverdueClients(ctx, time.Now()) })
	}
	if a.pay.Enabled() {
		a.mustCron(every(a.pay.PollInterval()), func() { a.pay.Tick(ctx, time.Now()) })
	}
	a.mustCron(every(a.wa.HealthInterval()), func() { a.wa.HealthCheck(time.Now()) })
	a.cron.Start()

	a.sup.Go("config-watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("config-apply", a.watchConfig)

	a.log.Info("application started",
		logx.String("tz", a.loc.String()),
		logx.Bool("scheduler", a.schd.Enabled()),
		logx.Bool("payments", a.pay.Enabled()))

	<-ctx.Done()
	return a.shutdown()
}

func (a *App) mustCron(spec string, fn func()) {
	if _, err := a.cron.AddFunc(spec, fn); err != nil {
		// Specs are built from validated durations; a failure here is a bug.
		panic(fmt.Sprintf("cron spec %q: %v", spec, err))
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// watchConfig applies hot-reloadable settings. Structural settings (storage
// path, timezone, session dirs, tokens) need a restart and are only reported.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			sections, fields := config.SummarizeConfigChange(prev, cfg)
			if len(sections) == 0 {
				continue
			}
			a.log.Info("config changed", fields...)

			for _, sec := range sections {
				switch sec {
				case "logging":
					a.logSvc.Apply(logx.Config{
						Level:   cfg.Logging.Level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				default:
					a.log.Warn("config section needs restart to apply", logx.String("section", sec))
				}
			}
			prev = cfg
		}
	}
}

func (a *App) shutdown() error {
	a.log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	// Scheduler first so in-flight batches finish their ledger writes.
	a.schd.Stop(stopCtx)
	a.ctrl.Stop(stopCtx)
	// Ordinary shutdown never logs sessions out; credentials stay usable.
	a.wa.Stop(stopCtx)
	_ = a.sup.Stop(stopCtx)

	err := a.st.Close()
	a.log.Info("shutdown complete")
	a.logSvc.Close()
	return err
}

func whatsappConfig(c config.WhatsAppConfig) (wagate.Config, error) {
	out := wagate.Config{
		SessionsDir:   c.SessionsDir,
		AdmissionCap:  c.AdmissionCap,
		RatePerMinute: c.RatePerMinute,
		CountryPrefix: c.CountryPrefix,
		HTTP: wagate.HTTPConfig{
			Enabled: c.HTTP.Enabled,
			Addr:    c.HTTP.Addr,
			Token:   c.HTTP.Token,
		},
	}
	var err error
	if out.AdmissionWait, err = config.ParseDurationOrDefault("whatsapp.admission_wait", c.AdmissionWait, 0); err != nil {
		return out, err
	}
	if out.ConnectJitter, err = config.ParseDurationOrDefault("whatsapp.connect_jitter", c.ConnectJitter, 0); err != nil {
		return out, err
	}
	if out.ReconnectBase, err = config.ParseDurationOrDefault("whatsapp.reconnect_base", c.ReconnectBase, 0); err != nil {
		return out, err
	}
	if out.ReconnectMax, err = config.ParseDurationOrDefault("whatsapp.reconnect_max", c.ReconnectMax, 0); err != nil {
		return out, err
	}
	if out.HealthInterval, err = config.ParseDurationOrDefault("whatsapp.health_interval", c.HealthInterval, 0); err != nil {
		return out, err
	}
	if out.StuckGrace, err = config.ParseDurationOrDefault("whatsapp.stuck_grace", c.StuckGrace, 0); err != nil {
		return out, err
	}
	return out, nil
}

func schedulerConfig(c config.SchedulerConfig, loc *time.Location) (sched.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", c.Tick, 0)
	if err != nil {
		return sched.Config{}, err
	}
	out := sched.Config{
		Enabled:      c.Enabled,
		Tick:         tick,
		Workers:      c.Workers,
		SendRetryMax: c.SendRetryMax,
		Timezone:     loc,
	}
	if strings.TrimSpace(c.MorningReminderTime) != "" {
		t, err := sched.ParseTimeOfDay(c.MorningReminderTime)
		if err != nil {
			return out, fmt.Errorf("scheduler.morning_reminder_time: %w", err)
		}
		out.DefaultReminderTime = t
	}
	if strings.TrimSpace(c.DailyReportTime) != "" {
		t, err := sched.ParseTimeOfDay(c.DailyReportTime)
		if err != nil {
			return out, fmt.Errorf("scheduler.daily_report_time: %w", err)
		}
		out.DefaultReportTime = t
	}
	return out, nil
}

func paymentsConfig(c config.PaymentsConfig, loc *time.Location) (payments.Config, error) {
	out := payments.Config{Enabled: c.Enabled, Timezone: loc}
	var err error
	if out.PollInterval, err = config.ParseDurationOrDefault("payments.poll_interval", c.PollInterval, 0); err != nil {
		return out, err
	}
	if out.ExpiryAge, err = config.ParseDurationOrDefault("payments.expiry_age", c.ExpiryAge, 0); err != nil {
		return out, err
	}
	return out, nil
}
