// ============================================================================
// VidCore BO Store - GPU 緩衝物件生命週期管理
// ============================================================================
//
// Package: internal/bo
// 文件: store.go
// 功能: 管理 GPU 可定址緩衝物件（BO）的配置、引用計數與快取回收
//
// 設計理念:
//   1. handles map - handle 到 BO 的唯一對照表，handle 表本身持有一個引用
//   2. 引用計數 - 呼叫端 handle 表與 in-flight 任務共同持有引用
//   3. 快取 - 引用歸零的 BO 不立即釋放，先進入快取等待重用
//
// 快取結構（對齊硬體驅動的設計）:
//   - sizeList: 依頁面數分桶，配置時 O(1) 找到同尺寸的快取項
//   - timeList: 依進入快取的時間排序，回收時從最舊端開始淘汰
//
// 回收策略:
//   - 背景 sweep 週期執行：淘汰超齡項目，並在超出預算時持續淘汰
//   - 配置失敗時執行強制回收：清空整個快取後重試一次
//
// 不變量:
//   - BO 的引用計數包含任務引用，任何任務仍在使用的 BO 絕不會被實際釋放
//   - 快取中的 BO 引用計數必為零，被重用時重新歸零內容
//
// 並發安全:
//   - 單一 store 級互斥鎖序列化配置、釋放與回收
//   - 任務完成路徑與應用請求路徑可並發呼叫
//
// ============================================================================

package bo

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

var log = slog.Default()

// ValidatedShader shader BO 建立時一次性驗證出的中繼資料，
// 之後每個引用該 shader 的任務重用此結果而不重新驗證
type ValidatedShader struct {
	UniformsSize   uint32 // shader 預期讀取的 uniform 位元組數
	TextureSamples int    // shader 中的貼圖取樣數
}

// BufferObject GPU 可定址的緩衝物件
type BufferObject struct {
	handle types.Handle
	size   uint32 // 使用者請求的位元組數
	pages  uint32
	paddr  uint32 // arena 內偏移，即模擬實體位址
	mem    []byte

	refs     int32       // 引用計數，由 Store 鎖保護
	lastUse  types.Seqno // 最後引用此 BO 的任務序號
	freeTime time.Time   // 進入快取的時間

	validatedShader *ValidatedShader // 僅 shader BO 持有
	dmaExport       bool             // 曾經 dma 匯出，停用 shader 對映等快速路徑

	// 快取索引（由 Store 鎖保護）
	timeElem *list.Element
}

// Handle 回傳 BO 的 handle
func (b *BufferObject) Handle() types.Handle { return b.handle }

// Size 回傳使用者請求的位元組數
func (b *BufferObject) Size() uint32 { return b.size }

// Pages 回傳佔用的頁面數
func (b *BufferObject) Pages() uint32 { return b.pages }

// Paddr 回傳模擬實體位址（arena 偏移）
func (b *BufferObject) Paddr() uint32 { return b.paddr }

// Mem 回傳背景記憶體視圖
func (b *BufferObject) Mem() []byte { return b.mem }

// ValidatedShader 回傳 shader 驗證中繼資料，非 shader BO 回傳 nil
func (b *BufferObject) ValidatedShader() *ValidatedShader { return b.validatedShader }

// DMAExported 回傳 BO 是否曾經 dma 匯出
func (b *BufferObject) DMAExported() bool { return b.dmaExport }

// Config Store 配置
type Config struct {
	ArenaSize     uint32        // 模擬位址空間總量（位元組）
	CacheBudget   uint64        // 快取位元組預算，超出即從最舊端淘汰
	CacheAge      time.Duration // 快取項目最大存活時間
	SweepInterval time.Duration // 背景回收週期，0 表示不啟動背景回收
}

// Store BO 倉儲，擁有 arena 與快取
type Store struct {
	mu         sync.Mutex
	arena      *Arena
	handles    map[types.Handle]*BufferObject
	nextHandle types.Handle

	// 快取：sizeList 依頁面數分桶，timeList 依年齡排序（最舊在前）
	sizeList    map[uint32][]*BufferObject
	timeList    *list.List
	cachedBytes uint64

	cacheHits   uint64
	cacheMisses uint64

	cfg     Config
	stopCh  chan struct{}
	sweepWg sync.WaitGroup
	closed  bool
}

// NewStore 建立 Store 並啟動背景回收
func NewStore(cfg Config) (*Store, error) {
	arena, err := NewArena(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		arena:      arena,
		handles:    make(map[types.Handle]*BufferObject),
		nextHandle: 1,
		sizeList:   make(map[uint32][]*BufferObject),
		timeList:   list.New(),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		s.sweepWg.Add(1)
		go s.sweepLoop()
	}

	return s, nil
}

// Create 配置一個歸零的 BO，優先重用快取中同頁面數的項目
//
// 返回的 BO 帶有一個引用，歸屬於 handle 表；呼叫端透過 FreeHandle 歸還。
// 快取未命中且 arena 無空間時，先強制清空快取再重試，仍失敗回傳 ErrOutOfMemory。
func (s *Store) Create(size uint32) (*BufferObject, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	pages := roundUpPages(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	// 快取命中：O(1) 取出同頁面數的項目
	if bucket := s.sizeList[pages]; len(bucket) > 0 {
		cached := bucket[len(bucket)-1]
		s.sizeList[pages] = bucket[:len(bucket)-1]
		s.timeList.Remove(cached.timeElem)
		cached.timeElem = nil
		s.cachedBytes -= uint64(cached.pages) * PageSize
		s.cacheHits++

		// 重用必須歸零，快取項可能殘留上個任務的內容
		clear(cached.mem)
		cached.size = size
		cached.refs = 1
		cached.lastUse = 0
		cached.validatedShader = nil
		cached.dmaExport = false
		cached.handle = s.allocHandleLocked()
		s.handles[cached.handle] = cached
		return cached, nil
	}
	s.cacheMisses++

	paddr, err := s.arena.Alloc(pages)
	if err != nil {
		// 強制回收：清空快取後重試一次
		s.reclaimAllLocked()
		paddr, err = s.arena.Alloc(pages)
		if err != nil {
			return nil, ErrOutOfMemory
		}
	}

	b := &BufferObject{
		handle: s.allocHandleLocked(),
		size:   size,
		pages:  pages,
		paddr:  paddr,
		mem:    s.arena.Bytes(paddr, pages*PageSize),
		refs:   1,
	}
	s.handles[b.handle] = b
	return b, nil
}

// CreateShader 配置一個 shader BO 並附上一次性驗證出的中繼資料
func (s *Store) CreateShader(data []byte, info *ValidatedShader) (*BufferObject, error) {
	b, err := s.Create(uint32(len(data)))
	if err != nil {
		return nil, err
	}
	copy(b.mem, data)

	s.mu.Lock()
	b.validatedShader = info
	s.mu.Unlock()
	return b, nil
}

// MarkDMAExport 標記 BO 已 dma 匯出，之後不得再被當作 shader 引用
func (s *Store) MarkDMAExport(b *BufferObject) {
	s.mu.Lock()
	b.dmaExport = true
	s.mu.Unlock()
}

// Retain 為 BO 增加一個引用
//
// 引用已歸零的 BO 屬於快取（或已被釋放），不得復活：其頁面隨時可能
// 被重新配置給別人。需要「解析 handle 並取得引用」時用 LookupRetain，
// 兩個動作在同一臨界區內完成。
func (s *Store) Retain(b *BufferObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.refs <= 0 {
		return ErrRetainFree
	}
	b.refs++
	return nil
}

// Release 釋放一個引用；歸零時 BO 進入快取尾端而非立即釋放
//
// 對引用已為零的 BO 呼叫 Release 回傳 ErrOverRelease，絕不重複釋放。
func (s *Store) Release(b *BufferObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.refs <= 0 {
		return ErrOverRelease
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}

	// 進入快取：尺寸桶 + 年齡清單尾端
	b.freeTime = time.Now()
	b.timeElem = s.timeList.PushBack(b)
	s.sizeList[b.pages] = append(s.sizeList[b.pages], b)
	s.cachedBytes += uint64(b.pages) * PageSize
	return nil
}

// SetLastUse 記錄最後引用此 BO 的任務序號
func (s *Store) SetLastUse(b *BufferObject, seqno types.Seqno) {
	s.mu.Lock()
	if seqno > b.lastUse {
		b.lastUse = seqno
	}
	s.mu.Unlock()
}

// LastUse 回傳最後引用此 BO 的任務序號
func (s *Store) LastUse(b *BufferObject) types.Seqno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.lastUse
}

// Lookup 以 handle 解析 BO
func (s *Store) Lookup(h types.Handle) (*BufferObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.handles[h]
	if !ok {
		return nil, ErrBadHandle
	}
	return b, nil
}

// LookupRetain 以 handle 解析 BO 並在同一臨界區內取得一個引用
//
// 任務引用必須走這裡：Lookup 與 Retain 分開呼叫會留下一個窗口，
// handle 在其間被 FreeHandle 釋放的話，BO 會先被回收再被復活。
func (s *Store) LookupRetain(h types.Handle) (*BufferObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.handles[h]
	if !ok {
		return nil, ErrBadHandle
	}
	b.refs++
	return b, nil
}

// FreeHandle 移除 handle 表項並釋放其持有的引用（行程收尾路徑）
func (s *Store) FreeHandle(h types.Handle) error {
	s.mu.Lock()
	b, ok := s.handles[h]
	if !ok {
		s.mu.Unlock()
		return ErrBadHandle
	}
	delete(s.handles, h)
	s.mu.Unlock()

	return s.Release(b)
}

// ============================================================================
// 快取回收
// ============================================================================

// sweepLoop 背景回收循環：週期性淘汰超齡與超出預算的快取項目
func (s *Store) sweepLoop() {
	defer s.sweepWg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep 單次回收：從年齡清單頭端（最舊）開始淘汰
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for e := s.timeList.Front(); e != nil; {
		b := e.Value.(*BufferObject)
		overAge := s.cfg.CacheAge > 0 && now.Sub(b.freeTime) > s.cfg.CacheAge
		overBudget := s.cfg.CacheBudget > 0 && s.cachedBytes > s.cfg.CacheBudget
		if !overAge && !overBudget {
			break
		}
		next := e.Next()
		s.evictLocked(b)
		evicted++
		e = next
	}

	if evicted > 0 {
		log.Debug("BO cache sweep",
			"evicted", evicted,
			"cached_bytes", s.cachedBytes)
	}
}

// evictLocked 將快取項實際釋放回 arena
func (s *Store) evictLocked(b *BufferObject) {
	s.timeList.Remove(b.timeElem)
	b.timeElem = nil

	bucket := s.sizeList[b.pages]
	for i, cand := range bucket {
		if cand == b {
			s.sizeList[b.pages] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	s.cachedBytes -= uint64(b.pages) * PageSize
	s.arena.Free(b.paddr, b.pages)
	b.mem = nil
}

// reclaimAllLocked 強制清空快取（配置失敗時的最後手段）
func (s *Store) reclaimAllLocked() {
	for e := s.timeList.Front(); e != nil; {
		next := e.Next()
		s.evictLocked(e.Value.(*BufferObject))
		e = next
	}
}

// DestroyCache 清空快取並實際釋放每個項目（關機路徑）
func (s *Store) DestroyCache() {
	s.mu.Lock()
	s.reclaimAllLocked()
	s.mu.Unlock()
}

// Close 停止背景回收、清空快取並解除 arena 對映
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.sweepWg.Wait()

	s.DestroyCache()
	return s.arena.Close()
}

// ============================================================================
// 統計
// ============================================================================

// CachedBytes 回傳快取中的位元組數
func (s *Store) CachedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedBytes
}

// CachedCount 回傳快取中的 BO 數
func (s *Store) CachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeList.Len()
}

// CacheStats 回傳快取命中/未命中累計
func (s *Store) CacheStats() (hits, misses uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheHits, s.cacheMisses
}

// allocHandleLocked 配發下一個 handle（0 保留為無效值）
func (s *Store) allocHandleLocked() types.Handle {
	h := s.nextHandle
	s.nextHandle++
	return h
}
