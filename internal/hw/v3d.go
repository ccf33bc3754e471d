// ============================================================================
// VidCore V3D - 模擬的 3D 硬體執行管線
// ============================================================================
//
// Package: internal/hw
// 文件: v3d.go
// 功能: 模擬單一硬體執行引擎：控制列表暫存器、完成中斷、binner 溢位與卡死
//
// 執行模型:
//   SubmitJob 把 bin/render 的起始與結束位址寫入 CT0/CT1 暫存器後，
//   一個獨立 goroutine 模擬硬體把程式計數器（CT0CA/CT1CA）推進到結束位址，
//   經過設定的執行延遲後觸發完成中斷（對應 V3D_INT_FRDONE）。
//
// 中斷語意:
//   中斷處理函式由排程器在啟動時註冊，於硬體 goroutine 上被呼叫，
//   等同於真實驅動的 IRQ context：處理函式必須 O(1) 且不可阻塞。
//
// 測試掛鉤:
//   - Stall(): 凍結程式計數器，讓 watchdog 觀察到兩次相同取樣（模擬卡死）
//   - TriggerOverflow(): 觸發 binner 溢位事件（對應 V3D_INT_OUTOMEM）
//   - Reset(): 重置管線，丟棄當前任務
//
// ============================================================================

package hw

import (
	"sync"
	"sync/atomic"
	"time"
)

// 暫存器索引，佈局對齊 V3D 的控制列表暫存器群
const (
	RegCT0CA = iota // binning thread 當前位址
	RegCT0EA        // binning thread 結束位址
	RegCT1CA        // rendering thread 當前位址
	RegCT1EA        // rendering thread 結束位址
	RegBPOA         // binner 溢位記憶體位址
	RegBPOS         // binner 溢位記憶體大小
	numRegs
)

// IRQHandler 完成/溢位中斷處理函式，於硬體 goroutine 上執行
type IRQHandler interface {
	// HandleFrameDone 當前任務的 render thread 抵達 CT1EA 時觸發
	HandleFrameDone()
	// HandleOutOfMemory binner 溢位記憶體不足時觸發
	HandleOutOfMemory()
}

// V3D 模擬的 3D 引擎
type V3D struct {
	regs [numRegs]atomic.Uint32

	execLatency time.Duration // 每個任務的模擬執行時間

	mu      sync.Mutex
	irq     IRQHandler
	running bool // 有任務正在執行
	stalled bool // 程式計數器被凍結（模擬卡死）
	kick    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New 建立模擬引擎，execLatency 為每個任務的模擬執行時間
func New(execLatency time.Duration) *V3D {
	v := &V3D{
		execLatency: execLatency,
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	v.wg.Add(1)
	go v.execLoop()
	return v
}

// SetIRQHandler 註冊中斷處理函式，必須在第一次 SubmitJob 前呼叫
func (v *V3D) SetIRQHandler(h IRQHandler) {
	v.mu.Lock()
	v.irq = h
	v.mu.Unlock()
}

// ReadReg 讀取暫存器（watchdog 取樣 CT0CA/CT1CA 走這裡）
func (v *V3D) ReadReg(reg int) uint32 {
	return v.regs[reg].Load()
}

// WriteReg 寫入暫存器
func (v *V3D) WriteReg(reg int, val uint32) {
	v.regs[reg].Store(val)
}

// SubmitJob 把任務的控制列表位址寫入暫存器並開始執行
// 一次只能有一個任務在硬體上；排程器的單一 in-flight 槽位保證這點
func (v *V3D) SubmitJob(ct0ca, ct0ea, ct1ca, ct1ea uint32) {
	v.regs[RegCT0CA].Store(ct0ca)
	v.regs[RegCT0EA].Store(ct0ea)
	v.regs[RegCT1CA].Store(ct1ca)
	v.regs[RegCT1EA].Store(ct1ea)

	v.mu.Lock()
	v.running = true
	v.mu.Unlock()

	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// execLoop 硬體執行 goroutine：推進程式計數器並觸發完成中斷
func (v *V3D) execLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stopCh:
			return
		case <-v.kick:
		}

		for {
			v.mu.Lock()
			if !v.running {
				v.mu.Unlock()
				break
			}
			stalled := v.stalled
			irq := v.irq
			v.mu.Unlock()

			// 卡死模擬：計數器不再推進，也不發完成中斷
			if stalled {
				select {
				case <-v.stopCh:
					return
				case <-time.After(v.execLatency):
				}
				continue
			}

			select {
			case <-v.stopCh:
				return
			case <-time.After(v.execLatency):
			}

			v.mu.Lock()
			if !v.running || v.stalled {
				v.mu.Unlock()
				continue
			}
			// binning 與 rendering 依序完成：計數器推進到結束位址
			v.regs[RegCT0CA].Store(v.regs[RegCT0EA].Load())
			v.regs[RegCT1CA].Store(v.regs[RegCT1EA].Load())
			v.running = false
			v.mu.Unlock()

			if irq != nil {
				irq.HandleFrameDone()
			}
			break
		}
	}
}

// Stall 凍結程式計數器，模擬硬體卡死；Resume 前不會再有完成中斷
func (v *V3D) Stall() {
	v.mu.Lock()
	v.stalled = true
	v.mu.Unlock()
}

// Resume 解除凍結
func (v *V3D) Resume() {
	v.mu.Lock()
	v.stalled = false
	v.mu.Unlock()
}

// Reset 重置管線：丟棄當前任務並清空控制列表暫存器
// watchdog 判定卡死後走這裡，之後排程器可立即提交下一個任務
func (v *V3D) Reset() {
	v.mu.Lock()
	v.running = false
	v.stalled = false
	v.mu.Unlock()

	for i := 0; i < numRegs; i++ {
		v.regs[i].Store(0)
	}
}

// TriggerOverflow 觸發 binner 溢位中斷（測試與示範用）
func (v *V3D) TriggerOverflow() {
	v.mu.Lock()
	irq := v.irq
	v.mu.Unlock()
	if irq != nil {
		irq.HandleOutOfMemory()
	}
}

// Busy 回傳硬體上是否有任務在執行
func (v *V3D) Busy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

// Close 停止硬體 goroutine
func (v *V3D) Close() {
	close(v.stopCh)
	v.wg.Wait()
}
