// Package app wires all chorus subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control plane until its context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject a mock voice platform via [WithPlatform]. When no
// platform is provided, the Discord bot passed with [WithBot] supplies it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/control"
	"github.com/MrWong99/chorus/internal/discord"
	"github.com/MrWong99/chorus/internal/discord/commands"
	"github.com/MrWong99/chorus/internal/health"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/resilience"
	"github.com/MrWong99/chorus/pkg/audio"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes of the recording server.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	platform audio.Platform
	bot      *discord.Bot

	// Subsystems, initialised in New and torn down in Shutdown.
	mgr      *control.Manager
	ctrl     *control.Server
	httpSrv  *http.Server
	listener net.Listener

	// wsCancel ends the contexts of hijacked websocket sessions. It runs
	// after the manager has told every session its recordings finished.
	wsCancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform injects the voice platform instead of taking it from the bot.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithBot connects the app to a running Discord bot. The bot supplies the
// voice platform, a readiness check, the /record commands and voice leave
// notifications. The app closes the bot on Shutdown.
func WithBot(b *discord.Bot) Option {
	return func(a *App) { a.bot = b }
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable of the default logger so
// config reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together and binds the HTTP
// listener on cfg.Server.ListenAddr.
func New(_ context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.platform == nil && a.bot != nil {
		a.platform = a.bot.Platform()
	}
	if a.platform == nil {
		return nil, errors.New("app: no voice platform configured")
	}
	a.platform = resilience.NewPlatform(a.platform, resilience.BreakerConfig{})

	// ── 1. Recordings manager ───────────────────────────────────────────
	a.mgr = control.NewManager(a.platform, cfg.Recording,
		control.WithLogger(a.log),
		control.WithMetrics(a.metrics),
	)

	// ── 2. Discord integration ──────────────────────────────────────────
	if a.bot != nil {
		a.bot.OnVoiceLeave(a.mgr.HandleVoiceLeave)
		commands.NewRecordCommands(a.bot, a.mgr)
	}

	// ── 3. Control plane + HTTP ─────────────────────────────────────────
	a.ctrl = control.NewServer(a.mgr,
		control.WithServerLogger(a.log),
		control.WithServerMetrics(a.metrics),
		control.WithPassword(cfg.Server.Password),
		control.WithDefaultGuild(cfg.Discord.GuildID),
	)

	checkers := []health.Checker{health.DirWritable("records", cfg.Recording.Dir)}
	if a.bot != nil {
		checkers = append(checkers, health.Checker{Name: "discord", Check: a.bot.Ready})
	}

	mux := http.NewServeMux()
	a.ctrl.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	wsCtx, wsCancel := context.WithCancel(context.Background())
	a.wsCancel = wsCancel
	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return wsCtx },
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		wsCancel()
		return nil, fmt.Errorf("app: listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	a.listener = ln
	return a, nil
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() net.Addr {
	return a.listener.Addr()
}

// Manager returns the recordings manager.
func (a *App) Manager() *control.Manager {
	return a.mgr
}

// Run serves HTTP and the Discord command loop until ctx is cancelled or
// one of them fails, then shuts the app down. A clean stop returns the
// context's error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.listener.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})

	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Reload applies the hot-reloadable parts of a config change. Settings
// that need a restart are logged.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RecordingChanged {
		a.mgr.SetDefaults(d.NewRecording)
		a.log.Info("recording defaults changed", "format", d.NewRecording.Format, "dir", d.NewRecording.Dir)
	}
	if d.PasswordChanged {
		a.ctrl.SetPassword(new.Server.Password)
		a.log.Info("control password changed")
	}
	for _, key := range d.RestartRequired {
		a.log.Warn("config change requires restart", "key", key)
	}
}

// Shutdown tears down all subsystems. Active recordings are finished first
// so their control clients receive recordFinished, then websocket sessions
// end, the HTTP server stops and the bot disconnects. Calling Shutdown more
// than once returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		var errs []error

		if err := a.mgr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close recordings: %w", err))
		}
		a.wsCancel()
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: shutdown http: %w", err))
		}
		// Serve closes the listener itself; this covers an app that never ran.
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("app: close listener: %w", err))
		}
		if a.bot != nil {
			if err := a.bot.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		a.stopErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
