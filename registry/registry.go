// Package registry keeps the live table of tool descriptions mirrored from the persistence
// layer, and the watcher that keeps it in step with edits.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MegaGrindStone/signeo-mcp"
)

// Entry is one persisted tool description.
type Entry struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Change is the notification emitted after an entry is upserted.
type Change struct {
	ID    string
	Entry Entry
}

// Source reads every persisted entry.
type Source interface {
	ListAll(ctx context.Context) ([]Entry, error)
}

// ChangeNotifier delivers a Change after every successful upsert. The returned function
// ends the subscription.
type ChangeNotifier interface {
	Subscribe() (<-chan Change, func())
}

// DescriptionUpdater re-applies descriptions to already bound tools and reports which
// names changed. *mcp.Server implements it.
type DescriptionUpdater interface {
	RefreshDescriptions() []string
}

// Option represents the options for the registry.
type Option func(*Registry)

// Registry is the in-memory cache of tool descriptions. Readers always observe a complete
// table: a reload builds a new table and swaps it in whole.
type Registry struct {
	source Source
	logger *slog.Logger

	state atomic.Pointer[tableState]
	// gen numbers reads of the source in the order they start.
	gen atomic.Uint64

	group singleflight.Group
}

// tableState is one complete table together with the read it came from.
type tableState struct {
	gen      uint64
	table    map[string]string
	loadedAt time.Time
}

const reloadKey = "reload"

// New creates an empty registry reading from source. Until the first Reload, Describe
// reports every name as absent.
func New(source Source, options ...Option) *Registry {
	r := &Registry{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.state.Store(&tableState{table: map[string]string{}})
	return r
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger.With(
			slog.String("package", "signeo-mcp"),
			slog.String("component", "registry"),
		)
	}
}

// Reload reads the full entry set from the source and replaces the table with it. Names
// missing from the source are gone afterwards. Concurrent calls share one read. A read that
// started before the one behind the current table is discarded when it finishes.
//
// On failure the previous table is kept and the returned error wraps
// mcp.ErrRegistryLoadFailure.
func (r *Registry) Reload(ctx context.Context) error {
	_, err, _ := r.group.Do(reloadKey, func() (any, error) {
		return nil, r.load(ctx)
	})
	return err
}

// Invalidate detaches any reload in flight, so the next Reload reads the source again
// instead of sharing a read that may predate a write.
func (r *Registry) Invalidate() {
	r.group.Forget(reloadKey)
}

// Describe returns the registered description of name. Absent means the tool's built-in
// default applies.
func (r *Registry) Describe(name string) (string, bool) {
	desc, ok := r.state.Load().table[name]
	return desc, ok
}

// Snapshot returns a copy of the current table.
func (r *Registry) Snapshot() map[string]string {
	return maps.Clone(r.state.Load().table)
}

// Len returns the number of registered descriptions.
func (r *Registry) Len() int {
	return len(r.state.Load().table)
}

// LoadedAt returns when the table was last replaced, and false before the first
// successful reload.
func (r *Registry) LoadedAt() (time.Time, bool) {
	st := r.state.Load()
	return st.loadedAt, st.gen != 0
}

func (r *Registry) load(ctx context.Context) error {
	gen := r.gen.Add(1)
	entries, err := r.source.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", mcp.ErrRegistryLoadFailure, err)
	}

	table := make(map[string]string, len(entries))
	for _, e := range entries {
		table[e.Name] = e.Description
	}

	next := &tableState{gen: gen, table: table, loadedAt: time.Now()}
	for {
		cur := r.state.Load()
		if cur.gen > gen {
			r.logger.Debug("discarded stale registry read",
				slog.Uint64("gen", gen),
				slog.Uint64("current", cur.gen))
			return nil
		}
		if r.state.CompareAndSwap(cur, next) {
			break
		}
	}

	r.logger.Debug("registry reloaded", slog.Int("entries", len(table)))

	return nil
}
