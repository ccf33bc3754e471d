package bo

import (
	"errors"
	"testing"
	"time"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestStore creates a store with no background sweeping so tests control
// reclamation explicitly
func newTestStore(t *testing.T, arenaSize uint32) *Store {
	t.Helper()
	s, err := NewStore(Config{
		ArenaSize:   arenaSize,
		CacheBudget: 0,
		CacheAge:    0,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestCreateReturnsZeroedMemory(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)

	for i, v := range b.Mem() {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, v)
		}
	}
	if b.Handle() == 0 {
		t.Error("handle 0 must be reserved as invalid")
	}
	if b.Pages() != 1 {
		t.Errorf("pages: got %d, want 1", b.Pages())
	}
}

func TestCreateRoundsUpToPages(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4097)
	assertNoError(t, err)
	if b.Pages() != 2 {
		t.Errorf("pages: got %d, want 2", b.Pages())
	}
	if b.Size() != 4097 {
		t.Errorf("size: got %d, want 4097", b.Size())
	}
}

func TestCreateZeroSize(t *testing.T) {
	s := newTestStore(t, 1<<20)

	_, err := s.Create(0)
	assertError(t, err, ErrZeroSize)
}

// TestCacheHitServesSamePageCount covers the scenario from the design:
// a freed 3-page BO must satisfy the next 3-page request without touching
// the arena
func TestCacheHitServesSamePageCount(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(3 * PageSize)
	assertNoError(t, err)
	paddr := b.Paddr()

	// Dirty the memory so we can verify re-zeroing on reuse
	b.Mem()[0] = 0xAA

	assertNoError(t, s.FreeHandle(b.Handle()))
	if s.CachedCount() != 1 {
		t.Fatalf("cached count: got %d, want 1", s.CachedCount())
	}

	arenaFreeBefore := s.arena.FreeBytes()

	b2, err := s.Create(3 * PageSize)
	assertNoError(t, err)

	if b2.Paddr() != paddr {
		t.Errorf("cache hit should reuse backing pages: got paddr %d, want %d", b2.Paddr(), paddr)
	}
	if s.arena.FreeBytes() != arenaFreeBefore {
		t.Error("cache hit must not invoke the arena allocator")
	}
	if b2.Mem()[0] != 0 {
		t.Error("cached BO not re-zeroed on reuse")
	}

	hits, _ := s.CacheStats()
	if hits != 1 {
		t.Errorf("cache hits: got %d, want 1", hits)
	}
}

func TestCacheMissOnDifferentPageCount(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(3 * PageSize)
	assertNoError(t, err)
	assertNoError(t, s.FreeHandle(b.Handle()))

	// 2-page request must not be served from the 3-page bucket
	b2, err := s.Create(2 * PageSize)
	assertNoError(t, err)
	if b2.Paddr() == b.Paddr() {
		t.Error("different page count served from wrong bucket")
	}
	if s.CachedCount() != 1 {
		t.Errorf("cached count: got %d, want 1", s.CachedCount())
	}
}

func TestReleaseAtZeroIsError(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)

	assertNoError(t, s.Release(b))
	assertError(t, s.Release(b), ErrOverRelease)

	// The single cached entry must not be duplicated by the failed release
	if s.CachedCount() != 1 {
		t.Errorf("cached count: got %d, want 1", s.CachedCount())
	}
}

func TestRetainDefersCaching(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)

	// Simulate a job reference on top of the handle-table reference
	assertNoError(t, s.Retain(b))

	assertNoError(t, s.FreeHandle(b.Handle()))
	if s.CachedCount() != 0 {
		t.Fatal("BO with outstanding job reference must not enter the cache")
	}

	assertNoError(t, s.Release(b))
	if s.CachedCount() != 1 {
		t.Fatal("BO should enter the cache once the last reference drops")
	}
}

func TestRetainRejectsUnreferencedBO(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)
	assertNoError(t, s.FreeHandle(b.Handle()))

	// The BO now sits in the cache with zero references. Retaining it
	// would resurrect memory the store is free to hand out again.
	assertError(t, s.Retain(b), ErrRetainFree)
	assertError(t, s.Release(b), ErrOverRelease)

	if s.CachedCount() != 1 {
		t.Errorf("cached count: got %d, want 1", s.CachedCount())
	}
}

func TestLookupRetainPinsAcrossFree(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)

	pinned, err := s.LookupRetain(b.Handle())
	assertNoError(t, err)
	if pinned != b {
		t.Fatal("LookupRetain resolved a different BO")
	}

	// Closing the handle drops only the table reference; the pin keeps
	// the BO alive and out of the cache
	assertNoError(t, s.FreeHandle(b.Handle()))
	if s.CachedCount() != 0 {
		t.Fatal("pinned BO entered the cache")
	}
	if b.Mem() == nil {
		t.Fatal("pinned BO lost its backing memory")
	}

	assertNoError(t, s.Release(b))
	if s.CachedCount() != 1 {
		t.Fatal("BO should enter the cache once the pin drops")
	}

	_, err = s.LookupRetain(types.Handle(9999))
	assertError(t, err, ErrBadHandle)
}

func TestForcedReclaimBeforeOOM(t *testing.T) {
	// Arena fits exactly two pages
	s := newTestStore(t, 2*PageSize)

	a, err := s.Create(PageSize)
	assertNoError(t, err)
	b, err := s.Create(PageSize)
	assertNoError(t, err)

	// Free one page into the cache; a 2-page request only fits if the
	// forced reclamation pass empties the cache first... it still cannot,
	// because one page remains live. Expect OOM.
	assertNoError(t, s.FreeHandle(a.Handle()))
	_, err = s.Create(2 * PageSize)
	assertError(t, err, ErrOutOfMemory)

	// After freeing the second page the forced pass can coalesce both
	assertNoError(t, s.FreeHandle(b.Handle()))
	big, err := s.Create(2 * PageSize)
	assertNoError(t, err)
	if big.Pages() != 2 {
		t.Errorf("pages: got %d, want 2", big.Pages())
	}
}

func TestSweepEvictsOldestFirst(t *testing.T) {
	s := newTestStore(t, 1<<20)
	s.cfg.CacheAge = 20 * time.Millisecond

	older, err := s.Create(PageSize)
	assertNoError(t, err)
	newer, err := s.Create(2 * PageSize)
	assertNoError(t, err)

	assertNoError(t, s.FreeHandle(older.Handle()))
	time.Sleep(50 * time.Millisecond)
	assertNoError(t, s.FreeHandle(newer.Handle()))

	// Only the older entry has aged out at this point
	s.sweep(time.Now())
	if s.CachedCount() != 1 {
		t.Fatalf("cached count after sweep: got %d, want 1", s.CachedCount())
	}
	if got := s.timeList.Front().Value.(*BufferObject); got != newer {
		t.Error("sweep evicted the wrong entry: oldest must go first")
	}
}

func TestSweepEnforcesBudget(t *testing.T) {
	s := newTestStore(t, 1<<20)
	s.cfg.CacheBudget = 2 * PageSize

	for i := 0; i < 4; i++ {
		b, err := s.Create(PageSize)
		assertNoError(t, err)
		assertNoError(t, s.FreeHandle(b.Handle()))
	}
	if s.CachedBytes() != 4*PageSize {
		t.Fatalf("cached bytes: got %d, want %d", s.CachedBytes(), 4*PageSize)
	}

	s.sweep(time.Now())
	if s.CachedBytes() > 2*PageSize {
		t.Errorf("cached bytes after sweep: got %d, budget %d", s.CachedBytes(), 2*PageSize)
	}
}

func TestDestroyCacheFreesEverything(t *testing.T) {
	s := newTestStore(t, 1<<20)

	for i := 0; i < 3; i++ {
		b, err := s.Create(PageSize)
		assertNoError(t, err)
		assertNoError(t, s.FreeHandle(b.Handle()))
	}

	free := s.arena.FreeBytes()
	s.DestroyCache()

	if s.CachedCount() != 0 {
		t.Errorf("cached count: got %d, want 0", s.CachedCount())
	}
	if s.arena.FreeBytes() != free+3*PageSize {
		t.Error("destroyed cache entries not returned to the arena")
	}
}

func TestLookupAndFreeHandle(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)

	got, err := s.Lookup(b.Handle())
	assertNoError(t, err)
	if got != b {
		t.Error("Lookup returned a different BO")
	}

	assertNoError(t, s.FreeHandle(b.Handle()))
	_, err = s.Lookup(b.Handle())
	assertError(t, err, ErrBadHandle)
	assertError(t, s.FreeHandle(b.Handle()), ErrBadHandle)
}

func TestCreateShaderCarriesMetadata(t *testing.T) {
	s := newTestStore(t, 1<<20)

	data := []byte{1, 2, 3, 4}
	info := &ValidatedShader{UniformsSize: 16, TextureSamples: 2}
	b, err := s.CreateShader(data, info)
	assertNoError(t, err)

	if b.ValidatedShader() != info {
		t.Error("validated shader metadata lost")
	}
	for i, v := range data {
		if b.Mem()[i] != v {
			t.Fatalf("shader byte %d: got %d, want %d", i, b.Mem()[i], v)
		}
	}

	// Cached reuse must clear shader metadata
	assertNoError(t, s.FreeHandle(b.Handle()))
	b2, err := s.Create(4096)
	assertNoError(t, err)
	if b2.ValidatedShader() != nil {
		t.Error("reused BO kept stale shader metadata")
	}
}

func TestMarkDMAExport(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)
	if b.DMAExported() {
		t.Error("fresh BO marked as exported")
	}
	s.MarkDMAExport(b)
	if !b.DMAExported() {
		t.Error("MarkDMAExport did not stick")
	}
}

func TestLastUseIsMonotonic(t *testing.T) {
	s := newTestStore(t, 1<<20)

	b, err := s.Create(4096)
	assertNoError(t, err)

	s.SetLastUse(b, 5)
	s.SetLastUse(b, 3)
	if got := s.LastUse(b); got != 5 {
		t.Errorf("last use: got %d, want 5", got)
	}
}
