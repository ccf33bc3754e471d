// ============================================================================
// VidCore Engine - 硬體排程與回收
// ============================================================================
//
// Package: internal/engine
// 文件: sched.go
// 功能: 單一 in-flight FIFO 排程、中斷處理、watchdog 與溢位補充
//
// 中斷語意:
//   HandleFrameDone / HandleOutOfMemory 於硬體 goroutine 上執行，
//   等同真實驅動的 IRQ context：O(1)、不阻塞、不做資源回收。
//   重活（釋放 BO、喚醒等待者、觸發 callback）全部交給 cleanup worker。
//
// watchdog 判定:
//   每個取樣週期讀取 CT0CA/CT1CA。同一個任務連續兩次取樣的程式計數器
//   完全相同即判定卡死：重置硬體、強制結束任務（ErrHung）、提交下一個。
//   注意取樣週期必須大於模擬執行時間，否則會誤判正常任務為卡死。
//
// 溢位補充:
//   溢位中斷只標記待補充，實際配置由 cleanup worker 執行（配置會走
//   store 鎖與 arena，可能觸發快取強制回收，不屬於中斷路徑）。
//   被換下的舊溢位 BO 可能仍被執行中的任務寫入，掛到該任務的延後
//   釋放清單，待任務完成後一併回收。
//
// ============================================================================

package engine

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/vidcore/internal/hw"
	"github.com/ChuLiYu/vidcore/internal/trace"
	"github.com/ChuLiYu/vidcore/pkg/types"
)

// ============================================================================
// 排程核心（呼叫端必須持有 e.mu）
// ============================================================================

// promoteLocked 硬體空閒且佇列非空時，把佇列頭提升為 in-flight
func (e *Engine) promoteLocked() {
	if e.inFlight != nil || e.queue.Len() == 0 {
		return
	}

	j := e.queue.Front().Value.(*job)
	e.inFlight = j
	j.status = types.StatusInFlight

	// 新任務上硬體，watchdog 取樣歸零重新觀察
	e.lastSampleSeqno = 0

	e.hw.SubmitJob(j.exec.CT0CA, j.exec.CT0EA, j.exec.CT1CA, j.exec.CT1EA)
}

// finishJobLocked 把 in-flight 任務標記完成並移入待回收清單
// err 非 nil 表示被 watchdog 強制結束
func (e *Engine) finishJobLocked(j *job, err error) {
	e.queue.Remove(e.queue.Front())
	e.inFlight = nil

	j.err = err
	if err != nil {
		j.status = types.StatusHung
		e.recordJobErrLocked(j.exec.Seqno, err)
	} else {
		j.status = types.StatusCompleted
	}

	// 錯誤紀錄先於序號推進：等待者看到序號完成時錯誤一定已就位
	e.finished.Store(uint64(j.exec.Seqno))
	e.doneJobs = append(e.doneJobs, j)
}

// kickCleanup 喚醒 cleanup worker（非阻塞）
func (e *Engine) kickCleanup() {
	select {
	case e.doneCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 中斷處理（硬體 goroutine 上執行，必須 O(1) 且不阻塞）
// ============================================================================

// HandleFrameDone 完成中斷：結束當前任務並立即提交下一個
func (e *Engine) HandleFrameDone() {
	e.mu.Lock()
	j := e.inFlight
	if j == nil {
		// 任務剛被 watchdog 強制結束，中斷屬於已重置的管線
		e.mu.Unlock()
		return
	}
	e.finishJobLocked(j, nil)
	e.promoteLocked()
	e.mu.Unlock()

	e.kickCleanup()
}

// HandleOutOfMemory 溢位中斷：標記待補充並喚醒 cleanup worker
func (e *Engine) HandleOutOfMemory() {
	e.mu.Lock()
	e.overflowPending = true
	e.mu.Unlock()

	e.kickCleanup()
}

// ============================================================================
// Cleanup Worker - 完成任務的資源回收與通知
// ============================================================================

// cleanupLoop 接收完成訊號，批次回收任務並喚醒等待者
func (e *Engine) cleanupLoop() {
	defer e.loopWg.Done()
	for {
		select {
		case <-e.stopCh:
			log.Info("Cleanup loop stopped")
			return
		case <-e.doneCh:
			e.drainDoneJobs()
			e.refillOverflow()
		}
	}
}

// refillOverflow 補充 binner 溢位記憶體（中斷路徑標記、worker 執行）
func (e *Engine) refillOverflow() {
	e.mu.Lock()
	if !e.overflowPending {
		e.mu.Unlock()
		return
	}
	e.overflowPending = false
	e.mu.Unlock()

	// 配置在鎖外進行，可能觸發快取強制回收
	replacement, err := e.store.Create(e.cfg.OverflowSize)
	if err != nil {
		// 配置失敗只能讓硬體繼續餓著；下一次溢位中斷再試
		log.Error("Failed to allocate overflow memory", "error", err)
		return
	}

	e.mu.Lock()
	old := e.overflowBO
	e.overflowBO = replacement
	e.hw.WriteReg(hw.RegBPOA, replacement.Paddr())
	e.hw.WriteReg(hw.RegBPOS, replacement.Size())

	// 舊溢位記憶體可能仍被執行中的任務寫入，延後到任務完成才回收
	if old != nil && e.inFlight != nil {
		e.inFlight.exec.Unref = append(e.inFlight.exec.Unref, old)
		old = nil
	}
	e.mu.Unlock()

	if old != nil {
		e.store.FreeHandle(old.Handle())
	}
	if e.collector != nil {
		e.collector.RecordBinOverflow()
	}
	e.traceEvent(trace.EventOverflow, 0, fmt.Sprintf("refill %d bytes", e.cfg.OverflowSize))
}

// drainDoneJobs 取出所有已完成任務，回收資源並觸發通知
func (e *Engine) drainDoneJobs() {
	e.mu.Lock()
	jobs := e.doneJobs
	e.doneJobs = nil
	finished := types.Seqno(e.finished.Load())
	callbacks := e.takeDueCallbacksLocked(finished)
	waiters := e.takeDueWaitersLocked(finished)
	e.mu.Unlock()

	for _, j := range jobs {
		e.releaseJob(j)

		if j.err != nil {
			if e.collector != nil {
				e.collector.RecordHung()
			}
			e.traceEvent(trace.EventHung, j.exec.Seqno, "")
			log.Warn("Job force-completed by watchdog", "seqno", j.exec.Seqno)
		} else {
			if e.collector != nil {
				e.collector.RecordCompleted(time.Since(j.submitted).Seconds())
			}
			e.traceEvent(trace.EventComplete, j.exec.Seqno, "")
			log.Debug("Job completed", "seqno", j.exec.Seqno)
		}
	}

	// 通知一律在鎖外觸發，callback 可以自由呼叫引擎方法
	for _, cb := range callbacks {
		cb.fn(cb.seqno)
	}
	for _, w := range waiters {
		close(w.ch)
	}
}

// releaseJob 釋放任務持有的全部引用
func (e *Engine) releaseJob(j *job) {
	for _, b := range j.exec.BOs {
		if err := e.store.Release(b); err != nil {
			log.Error("Failed to release job BO", "handle", b.Handle(), "error", err)
		}
	}
	// 延後釋放清單裡是引擎自己配置的 BO（換下的溢位記憶體），
	// handle 一併回收
	for _, b := range j.exec.Unref {
		if err := e.store.FreeHandle(b.Handle()); err != nil {
			log.Error("Failed to free deferred BO", "handle", b.Handle(), "error", err)
		}
	}
	if err := e.store.FreeHandle(j.exec.ExecBO.Handle()); err != nil {
		log.Error("Failed to free exec BO", "handle", j.exec.ExecBO.Handle(), "error", err)
	}
}

// ============================================================================
// Watchdog - 卡死偵測
// ============================================================================

// hangcheckLoop 定期取樣程式計數器，連續兩次相同即判定卡死
func (e *Engine) hangcheckLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.HangcheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("Hangcheck loop stopped")
			return
		case <-ticker.C:
			e.checkHang()
		}
	}
}

// checkHang 單次 watchdog 取樣
func (e *Engine) checkHang() {
	e.mu.Lock()
	j := e.inFlight
	if j == nil {
		e.lastSampleSeqno = 0
		e.mu.Unlock()
		return
	}

	ct0 := e.hw.ReadReg(hw.RegCT0CA)
	ct1 := e.hw.ReadReg(hw.RegCT1CA)

	if e.lastSampleSeqno != j.exec.Seqno || ct0 != e.lastCT0 || ct1 != e.lastCT1 {
		// 第一次觀察到這個任務，或計數器仍在推進
		e.lastSampleSeqno = j.exec.Seqno
		e.lastCT0 = ct0
		e.lastCT1 = ct1
		e.mu.Unlock()
		return
	}

	// 同一任務連續兩次取樣無進展：重置硬體並強制結束
	seqno := j.exec.Seqno
	e.hw.Reset()
	e.finishJobLocked(j, ErrHung)
	e.hungCount.Add(1)
	e.promoteLocked()
	e.mu.Unlock()

	e.kickCleanup()
	log.Error("Hardware hang detected, pipeline reset",
		"seqno", seqno, "ct0ca", ct0, "ct1ca", ct1)
}
