package bo

// ============================================================================
// 職責說明：
// 1. 以 mmap 保留一塊連續的模擬 GPU 位址空間（頁面對齊）
// 2. 以 first-fit free list 進行頁面粒度的子配置
// 3. 釋放時與相鄰空閒區段合併，避免碎片累積
// 4. paddr 即 arena 內偏移量，可直接寫入 32-bit 命令列表位址欄位
// ============================================================================

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize 模擬 GPU 的配置粒度
const PageSize = 4096

// span 代表 arena 中一段連續的空閒頁面
type span struct {
	off   uint32 // 起始偏移（位元組，頁面對齊）
	pages uint32 // 頁面數
}

// Arena 頁面粒度的實體位址空間配置器
type Arena struct {
	mu   sync.Mutex
	mem  []byte // mmap 取得的背景記憶體
	free []span // 依 off 排序的空閒區段
	size uint32
}

// NewArena 以匿名 mmap 保留 size 位元組（向上取整至頁面）的位址空間
func NewArena(size uint32) (*Arena, error) {
	size = roundUpPages(size) * PageSize
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("bo: arena mmap failed: %w", err)
	}

	return &Arena{
		mem:  mem,
		free: []span{{off: 0, pages: size / PageSize}},
		size: size,
	}, nil
}

// Alloc 配置 pages 個連續頁面，回傳 arena 內偏移（即模擬 paddr）
// 採 first-fit：掃描依偏移排序的空閒清單，切下第一個放得下的區段
func (a *Arena) Alloc(pages uint32) (uint32, error) {
	if pages == 0 {
		return 0, ErrZeroSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.free {
		if a.free[i].pages < pages {
			continue
		}
		off := a.free[i].off
		if a.free[i].pages == pages {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i].off += pages * PageSize
			a.free[i].pages -= pages
		}
		return off, nil
	}

	return 0, errArenaFull
}

// Free 歸還自 off 起的 pages 個頁面，並與相鄰空閒區段合併
func (a *Arena) Free(off, pages uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.free = append(a.free, span{off: off, pages: pages})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })

	// 合併相鄰區段
	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.pages*PageSize == s.off {
			last.pages += s.pages
		} else {
			merged = append(merged, s)
		}
	}
	a.free = merged
}

// Bytes 回傳 arena 中 [off, off+n) 的記憶體視圖
func (a *Arena) Bytes(off, n uint32) []byte {
	return a.mem[off : off+n : off+n]
}

// Size 回傳 arena 總容量（位元組）
func (a *Arena) Size() uint32 {
	return a.size
}

// FreeBytes 回傳目前空閒容量（位元組），供統計與測試使用
func (a *Arena) FreeBytes() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint32
	for _, s := range a.free {
		total += s.pages * PageSize
	}
	return total
}

// Close 解除 mmap，之後任何 Bytes 視圖都不得再使用
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.free = nil
	return err
}

// roundUpPages 將位元組數向上取整為頁面數
func roundUpPages(bytes uint32) uint32 {
	if bytes == 0 {
		return 0
	}
	return (bytes + PageSize - 1) / PageSize
}
