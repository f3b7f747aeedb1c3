package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
)

// WatcherOption represents the options for the watcher.
type WatcherOption func(*Watcher)

// Watcher keeps a Registry and the bound tool descriptions in step with the persistence
// layer. Every change notification, and every tick of the resync schedule, reloads the
// registry and then pushes the new descriptions to the DescriptionUpdater.
type Watcher struct {
	registry *Registry
	notifier ChangeNotifier
	target   DescriptionUpdater
	logger   *slog.Logger

	schedule        string
	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

var (
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxElapsed      = 30 * time.Second

	scheduleParser = cron.NewParser(
		cron.Minute |
			cron.Hour |
			cron.Dom |
			cron.Month |
			cron.Dow |
			cron.Descriptor,
	)
)

// NewWatcher creates a watcher for reg. notifier may be nil, in which case only the
// resync schedule triggers reloads.
func NewWatcher(reg *Registry, notifier ChangeNotifier, target DescriptionUpdater, options ...WatcherOption) *Watcher {
	w := &Watcher{
		registry:        reg,
		notifier:        notifier,
		target:          target,
		logger:          slog.Default(),
		retryInitial:    defaultRetryInitialInterval,
		retryMaxElapsed: defaultRetryMaxElapsed,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "registry-watcher"),
		)
	}
}

// WithResyncSchedule sets a cron expression (five fields, or a descriptor such as
// "@every 5m") on which the registry is reloaded regardless of notifications. An empty
// schedule disables the resync.
func WithResyncSchedule(schedule string) WatcherOption {
	return func(w *Watcher) {
		w.schedule = strings.TrimSpace(schedule)
	}
}

// WithRetry sets the exponential backoff applied to a failing reload.
func WithRetry(initialInterval, maxElapsed time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.retryInitial = initialInterval
		w.retryMaxElapsed = maxElapsed
	}
}

// ValidateSchedule reports whether schedule is accepted by WithResyncSchedule.
func ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(strings.TrimSpace(schedule)); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	return nil
}

// Run subscribes to change notifications and starts the resync schedule. It blocks until
// ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	var changes <-chan Change
	if w.notifier != nil {
		ch, unsubscribe := w.notifier.Subscribe()
		defer unsubscribe()
		changes = ch
	}

	if w.schedule != "" {
		c := cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(cronLogger{w.logger}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{w.logger})),
		)
		if _, err := c.AddFunc(w.schedule, func() {
			w.logger.Debug("scheduled registry resync")
			_ = w.Sync(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule registry resync: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	w.logger.Info("registry watcher started", slog.String("schedule", w.schedule))

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			w.logger.Info("tool description changed",
				slog.String("changeID", change.ID),
				slog.String("tool", change.Entry.Name))
			// A burst of upserts needs only one reload.
			w.drain(changes)
			w.registry.Invalidate()
			_ = w.Sync(ctx)
		}
	}
}

// Sync reloads the registry, retrying with exponential backoff, and then rewrites the
// bound descriptions. A reload that keeps failing is logged and returned; the previous
// table stays in service.
func (w *Watcher) Sync(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.retryInitial),
		backoff.WithMaxElapsedTime(w.retryMaxElapsed),
	), ctx)

	err := backoff.RetryNotify(func() error {
		return w.registry.Reload(ctx)
	}, b, func(err error, next time.Duration) {
		w.logger.Warn("registry reload failed, retrying",
			slog.Duration("next", next),
			slog.String("err", err.Error()))
	})
	if err != nil {
		w.logger.Error("failed to reload registry", slog.String("err", err.Error()))
		return err
	}

	if w.target == nil {
		return nil
	}
	if changed := w.target.RefreshDescriptions(); len(changed) > 0 {
		w.logger.Info("tool descriptions refreshed", slog.Any("tools", changed))
	}
	return nil
}

func (w *Watcher) drain(changes <-chan Change) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// cronLogger routes the scheduler's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("err", err.Error()))...)
}
