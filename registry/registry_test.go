package registry_test

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/MegaGrindStone/signeo-mcp"
	"github.com/MegaGrindStone/signeo-mcp/registry"
)

type mockSource struct {
	mu      sync.Mutex
	entries map[string]string
	err     error
	reads   int
}

func (m *mockSource) ListAll(context.Context) ([]registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	entries := make([]registry.Entry, 0, len(m.entries))
	for name, desc := range m.entries {
		entries = append(entries, registry.Entry{Name: name, Description: desc})
	}
	return entries, nil
}

func (m *mockSource) set(entries map[string]string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = entries
	m.err = err
}

func (m *mockSource) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reads
}

func TestRegistryEmpty(t *testing.T) {
	reg := registry.New(&mockSource{})

	if _, ok := reg.Describe("login"); ok {
		t.Errorf("expected empty registry to have no entries")
	}
	if _, ok := reg.LoadedAt(); ok {
		t.Errorf("expected no load time before the first reload")
	}
}

func TestRegistryReload(t *testing.T) {
	src := &mockSource{}
	src.set(map[string]string{"login": "Custom text", "get-taxonomy-tree": "Tree"}, nil)
	reg := registry.New(src)

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if desc, ok := reg.Describe("login"); !ok || desc != "Custom text" {
		t.Errorf("got %q, want %q", desc, "Custom text")
	}
	if _, ok := reg.LoadedAt(); !ok {
		t.Errorf("expected a load time")
	}

	src.set(map[string]string{"get-taxonomy-tree": "Tree v2"}, nil)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if _, ok := reg.Describe("login"); ok {
		t.Errorf("expected removed entry to be gone")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", reg.Len())
	}
}

func TestRegistryReloadFailureKeepsTable(t *testing.T) {
	src := &mockSource{}
	src.set(map[string]string{"login": "Custom text"}, nil)
	reg := registry.New(src)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}

	src.set(nil, errors.New("database is locked"))
	err := reg.Reload(context.Background())
	if !errors.Is(err, mcp.ErrRegistryLoadFailure) {
		t.Fatalf("expected ErrRegistryLoadFailure, got %v", err)
	}
	if desc, ok := reg.Describe("login"); !ok || desc != "Custom text" {
		t.Errorf("expected previous table to be kept, got %q", desc)
	}
}

func TestRegistryReloadReplacesExactly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := &mockSource{}
		reg := registry.New(src)

		gen := rapid.MapOf(
			rapid.StringMatching(`[a-z][a-z-]{0,15}`),
			rapid.StringN(1, 40, -1),
		)
		rounds := rapid.IntRange(1, 5).Draw(t, "rounds")

		for i := range rounds {
			want := gen.Draw(t, "entries")
			src.set(want, nil)

			if err := reg.Reload(context.Background()); err != nil {
				t.Fatalf("round %d: failed to reload: %v", i, err)
			}

			got := reg.Snapshot()
			if !maps.Equal(got, want) {
				t.Fatalf("round %d: got %v, want %v", i, got, want)
			}
			for name, desc := range want {
				if d, ok := reg.Describe(name); !ok || d != desc {
					t.Fatalf("round %d: Describe(%q) = %q, want %q", i, name, d, desc)
				}
			}
		}
	})
}

func TestRegistryReadersSeeWholeTables(t *testing.T) {
	tableA := map[string]string{"a": "1", "b": "1", "c": "1"}
	tableB := map[string]string{"a": "2", "d": "2"}

	src := &mockSource{}
	reg := registry.New(src)
	src.set(tableA, nil)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan string, 1)

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				snap := reg.Snapshot()
				if !maps.Equal(snap, tableA) && !maps.Equal(snap, tableB) {
					select {
					case errs <- "observed a partial table":
					default:
					}
					return
				}
			}
		}()
	}

	for i := range 200 {
		next := tableA
		if i%2 == 0 {
			next = tableB
		}
		reg.Invalidate()
		src.set(next, nil)
		if err := reg.Reload(context.Background()); err != nil {
			t.Fatalf("failed to reload: %v", err)
		}
	}
	cancel()
	wg.Wait()

	select {
	case msg := <-errs:
		t.Error(msg)
	default:
	}
}

func TestRegistryInvalidate(t *testing.T) {
	src := &mockSource{}
	reg := registry.New(src)

	for range 3 {
		reg.Invalidate()
		if err := reg.Reload(context.Background()); err != nil {
			t.Fatalf("failed to reload: %v", err)
		}
	}
	if src.readCount() != 3 {
		t.Errorf("expected 3 reads, got %d", src.readCount())
	}
}

// blockingSource holds its first ListAll until release is closed. The entries returned
// are those present when the call started.
type blockingSource struct {
	mockSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSource) ListAll(ctx context.Context) ([]registry.Entry, error) {
	entries, err := b.mockSource.ListAll(ctx)
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return entries, err
}

func TestRegistryOverlappingReloadKeepsNewerTable(t *testing.T) {
	src := &blockingSource{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	src.set(map[string]string{"login": "old"}, nil)
	reg := registry.New(src)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- reg.Reload(context.Background())
	}()
	<-src.entered

	src.set(map[string]string{"login": "new"}, nil)
	reg.Invalidate()
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if desc, _ := reg.Describe("login"); desc != "new" {
		t.Fatalf("got %q, want %q", desc, "new")
	}

	close(src.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("failed to finish the earlier reload: %v", err)
	}
	if desc, _ := reg.Describe("login"); desc != "new" {
		t.Errorf("earlier read replaced a newer table: got %q, want %q", desc, "new")
	}
	if src.readCount() != 2 {
		t.Errorf("expected 2 reads, got %d", src.readCount())
	}
}
