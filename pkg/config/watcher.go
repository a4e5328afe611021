package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/router"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_config_reloads_total",
	Help: "Rule table reloads by outcome (applied, rejected)",
}, []string{"outcome"})

// RuleWatcher reloads a rule table file into a Classifier when it changes.
// A table that fails to load or compile is rejected and the previous one
// stays in use.
type RuleWatcher struct {
	path       string
	classifier *router.Classifier
	debounce   time.Duration
	logger     zerolog.Logger
	watcher    *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*router.Table)
}

// NewRuleWatcher watches the directory holding path so that atomically
// replaced files are picked up as well.
func NewRuleWatcher(path string, classifier *router.Classifier, debounce time.Duration) (*RuleWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("rule table path is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &RuleWatcher{
		path:       abs,
		classifier: classifier,
		debounce:   debounce,
		logger:     logging.NewLogger("config"),
		watcher:    fsw,
	}, nil
}

// OnReload registers fn to be called with every applied table.
func (w *RuleWatcher) OnReload(fn func(*router.Table)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *RuleWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// Created stopped; Reset arms it on the first event.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	w.logger.Info().Str("path", w.path).Msg("Watching rule table")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug().
				Str("path", event.Name).
				Str("op", event.Op.String()).
				Msg("Rule table changed")
			debounce.Reset(w.debounce)

		case <-debounce.C:
			_ = w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

// Reload loads the file and swaps it into the classifier.
func (w *RuleWatcher) Reload() error {
	table, err := router.LoadTable(w.path)
	if err == nil {
		err = w.classifier.Swap(table)
	}
	if err != nil {
		reloadsTotal.WithLabelValues("rejected").Inc()
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Rule table rejected, keeping previous table")
		return err
	}

	reloadsTotal.WithLabelValues("applied").Inc()
	w.logger.Info().
		Str("path", w.path).
		Int("deny_rules", len(table.Deny)).
		Int("allow_rules", len(table.Allow)).
		Msg("Rule table reloaded")

	w.mu.Lock()
	callbacks := append([]func(*router.Table){}, w.callbacks...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(table)
	}
	return nil
}
