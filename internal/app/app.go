// Package app wires the debugger together: configuration, logging, the
// event bus, the task queue and the debug session. It also applies
// configuration reloads while the application runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/guestdbg/internal/config"
	"github.com/dshills/guestdbg/internal/config/watcher"
	"github.com/dshills/guestdbg/internal/debug"
	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/transport"
	"github.com/dshills/guestdbg/internal/dispatch"
	"github.com/dshills/guestdbg/internal/event"
)

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file. Empty uses
	// config.DefaultPath.
	ConfigPath string

	// Address overrides server.address from the file.
	Address string

	// LogLevel overrides log.level from the file. An overridden level is
	// kept across reloads.
	LogLevel string

	// LogOutput receives log lines. Defaults to os.Stderr.
	LogOutput io.Writer

	// Watch reloads the configuration file when it changes.
	Watch bool

	// Dialer replaces the TCP dialer.
	Dialer transport.DialFunc
}

// Application is the central coordinator for all debugger components.
type Application struct {
	mu     sync.RWMutex
	opts   Options
	path   string
	config *config.Config

	logger  *Logger
	metrics *Metrics
	bus     *event.Bus
	queue   *dispatch.Queue
	session *debug.Session
	watcher *watcher.Watcher
	subs    *subscriptionManager

	closed atomic.Bool
}

// New loads the configuration and creates every component in dependency
// order. The session starts idle.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts:    opts,
		path:    opts.ConfigPath,
		metrics: NewMetrics(),
	}
	if app.path == "" {
		app.path = config.DefaultPath()
	}

	if err := app.bootstrap(); err != nil {
		app.release(context.Background())
		return nil, err
	}
	return app, nil
}

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap() error {
	// 1. Configuration
	cfg, err := app.loadConfig()
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	app.config = cfg

	// 2. Logging
	app.logger = NewLogger(LoggerConfig{
		Level:  ParseLogLevel(cfg.Log.Level),
		Output: app.opts.LogOutput,
		Prefix: "guestdbg",
	})

	// 3. Event bus
	busLogger := app.logger.WithComponent("bus")
	app.bus = event.NewBus(event.WithErrorHandler(func(err error) {
		busLogger.Warn("handler failed: %v", err)
	}))
	app.subs = newSubscriptionManager(app.bus, app.logger.WithComponent("events"), app.metrics)
	if err := app.subs.setupSubscriptions(); err != nil {
		return &InitError{Component: "subscriptions", Err: err}
	}

	// 4. Task queue
	queueLogger := app.logger.WithComponent("queue")
	app.queue = dispatch.NewQueue(
		dispatch.WithErrorHandler(func(err error) {
			queueLogger.Debug("task failed: %v", err)
		}),
		dispatch.WithPanicHandler(func(v any, stack []byte) {
			queueLogger.Error("task panicked: %v\n%s", v, stack)
		}),
	)
	if err := app.queue.Start(); err != nil {
		return &InitError{Component: "queue", Err: err}
	}

	// 5. Session
	sessOpts := []debug.Option{
		debug.WithLogger(app.logger.WithComponent("debug")),
		debug.WithBus(app.bus),
		debug.WithQueue(app.queue),
		debug.WithBreakpointStore(breakpoint.NewFileStore(cfg.StorePath())),
	}
	if app.opts.Dialer != nil {
		sessOpts = append(sessOpts, debug.WithDialer(app.opts.Dialer))
	}
	app.session, err = debug.NewSession(sessionConfig(cfg), sessOpts...)
	if err != nil {
		return &InitError{Component: "session", Err: err}
	}

	// 6. Config watcher
	if app.opts.Watch {
		app.watcher = watcher.New(watcher.WithErrorHandler(func(err error) {
			app.logger.WithComponent("config").Warn("watch: %v", err)
		}))
		if err := app.watcher.Watch(app.path); err != nil {
			return &InitError{Component: "config watcher", Err: err}
		}
		app.watcher.OnChange(app.onConfigFileChanged)
		if err := app.watcher.Start(); err != nil {
			return &InitError{Component: "config watcher", Err: err}
		}
	}

	app.logger.Debug("initialized with config %s", app.path)
	return nil
}

// loadConfig reads the file and applies command line overrides.
func (app *Application) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(app.path)
	if err != nil {
		return nil, err
	}
	if app.opts.Address != "" {
		cfg.Server.Address = app.opts.Address
	}
	if app.opts.LogLevel != "" {
		cfg.Log.Level = app.opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func sessionConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		ID:            cfg.Breakpoints.Session,
		Address:       cfg.Server.Address,
		RetryInterval: cfg.Server.RetryInterval.Std(),
		Protocol:      cfg.Server.Protocol,
		ShmDir:        cfg.Memory.ShmDir,
	}
}

// onConfigFileChanged is the watcher handler.
func (app *Application) onConfigFileChanged(ev watcher.Event) {
	if ev.Op == watcher.OpRemove || ev.Op == watcher.OpRename {
		app.logger.WithComponent("config").Warn("%s was removed; keeping current settings", ev.Path)
		return
	}
	if err := app.Reload(); err != nil {
		app.logger.WithComponent("config").Warn("reload %s: %v", app.path, err)
	}
}

// Reload re-reads the configuration file. The log level applies at once.
// Other changed settings are reported and take effect on the next start.
// An invalid file leaves the current configuration in place.
func (app *Application) Reload() error {
	if app.closed.Load() {
		return ErrClosed
	}

	next, err := app.loadConfig()
	if err != nil {
		return err
	}

	app.mu.Lock()
	prev := app.config
	app.config = next
	app.mu.Unlock()

	app.logger.SetLevel(ParseLogLevel(next.Log.Level))

	var restart []string
	if !reflect.DeepEqual(sessionConfig(prev), sessionConfig(next)) {
		restart = append(restart, "server", "memory", "breakpoints.session")
	}
	if prev.Breakpoints.Store != next.Breakpoints.Store {
		restart = append(restart, "breakpoints.store")
	}
	if len(restart) > 0 {
		app.logger.Info("configuration reloaded; %v apply after restart", restart)
	} else {
		app.logger.Info("configuration reloaded")
	}

	app.metrics.RecordConfigReload()
	app.subs.publishConfigChanged(app.path, restart)
	return nil
}

// Attach attaches the session to the configured target.
func (app *Application) Attach(ctx context.Context) error {
	if app.closed.Load() {
		return ErrClosed
	}
	return app.session.Attach(ctx)
}

// Close detaches the session and stops every component in reverse
// initialization order. It is safe to call more than once.
func (app *Application) Close(ctx context.Context) error {
	if !app.closed.CompareAndSwap(false, true) {
		return nil
	}
	return app.release(ctx)
}

func (app *Application) release(ctx context.Context) error {
	var errs ErrorList

	if app.watcher != nil {
		app.watcher.Stop()
	}
	if app.session != nil {
		errs.Add(app.session.Close(ctx))
	}
	if app.queue != nil && app.queue.IsRunning() {
		if err := app.queue.Stop(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
			}
			errs.Add(err)
		}
	}
	if app.subs != nil {
		app.subs.unsubscribeAll()
	}
	return errs.AsError()
}

// ShutdownTimeout bounds Close when the caller has no deadline.
const ShutdownTimeout = 5 * time.Second

// Config returns the current configuration.
func (app *Application) Config() *config.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config
}

// ConfigPath returns the configuration file in use.
func (app *Application) ConfigPath() string {
	return app.path
}

// Session returns the debug session.
func (app *Application) Session() *debug.Session {
	return app.session
}

// EventBus returns the event bus.
func (app *Application) EventBus() *event.Bus {
	return app.bus
}

// Logger returns the application's logger.
func (app *Application) Logger() *Logger {
	return app.logger
}

// Metrics returns the application's metrics.
func (app *Application) Metrics() *Metrics {
	return app.metrics
}
