// ============================================================================
// VidCore Engine - 序號完成通知
// ============================================================================
//
// Package: internal/engine
// 文件: notify.go
// 功能: 序號等待（阻塞或輪詢）與完成 callback（非同步、恰好一次）
//
// 語意:
//   - 序號 "完成" 包含正常完成與被 watchdog 強制結束
//   - 已完成序號的等待立即返回，callback 立即（非同步）觸發
//   - 等待尚未配發的序號是呼叫端錯誤（ErrBadSeqno）
//   - 等待超時不影響任務本身，任務照常完成
//
// 卡死錯誤保留:
//   被強制結束的任務以有界環保留其錯誤（jobErrHistory 筆），
//   晚到的等待者仍能得知任務死因；超出上限後最舊的紀錄被淘汰，
//   之後的查詢視為正常完成。
//
// ============================================================================

package engine

import (
	"container/list"
	"context"
	"time"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

// waiter 一次阻塞等待的登記；完成時由 cleanup worker 關閉 ch
type waiter struct {
	seqno types.Seqno
	ch    chan struct{}
}

// seqnoCallback 一筆完成 callback 登記
type seqnoCallback struct {
	seqno types.Seqno
	fn    func(types.Seqno)
}

// ============================================================================
// 公開方法
// ============================================================================

// WaitForSeqno 等待指定序號完成
//
// 參數：
//   - ctx: 取消用 context
//   - seqno: 等待的目標序號，必須已由 Submit 配發
//   - timeout: 等待上限；0 表示只輪詢，未完成立即回傳 ErrTimedOut
//     而不登記等待
//
// 返回值：
//   - nil: 任務正常完成
//   - ErrHung: 任務被 watchdog 強制結束
//   - ErrTimedOut: 超過等待上限或輪詢未命中（任務本身不受影響）
//   - ctx.Err(): context 被取消
func (e *Engine) WaitForSeqno(ctx context.Context, seqno types.Seqno, timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if seqno == 0 || seqno > e.emitSeqno {
		e.mu.Unlock()
		return ErrBadSeqno
	}
	if types.Seqno(e.finished.Load()) >= seqno {
		err := e.jobErrs[seqno]
		e.mu.Unlock()
		return err
	}
	if timeout == 0 {
		// 輪詢模式：不登記等待
		e.mu.Unlock()
		return ErrTimedOut
	}

	w := &waiter{seqno: seqno, ch: make(chan struct{})}
	elem := e.waiters.PushBack(w)
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		e.mu.Lock()
		err := e.jobErrs[seqno]
		e.mu.Unlock()
		return err

	case <-ctx.Done():
		e.removeWaiter(elem)
		return ctx.Err()

	case <-timer.C:
		e.removeWaiter(elem)
		return ErrTimedOut

	case <-e.stopCh:
		e.removeWaiter(elem)
		return ErrClosed
	}
}

// QueueSeqnoCB 登記完成 callback，恰好觸發一次
// 序號已完成時立即（於獨立 goroutine）觸發；callback 於 cleanup
// worker 上執行，可以自由呼叫引擎方法
func (e *Engine) QueueSeqnoCB(seqno types.Seqno, fn func(types.Seqno)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if seqno == 0 || seqno > e.emitSeqno {
		e.mu.Unlock()
		return ErrBadSeqno
	}
	if types.Seqno(e.finished.Load()) >= seqno {
		e.mu.Unlock()
		go fn(seqno)
		return nil
	}

	e.callbacks.PushBack(&seqnoCallback{seqno: seqno, fn: fn})
	e.mu.Unlock()
	return nil
}

// JobError 查詢序號的完成錯誤；正常完成或紀錄已被淘汰時回傳 nil
func (e *Engine) JobError(seqno types.Seqno) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobErrs[seqno]
}

// ============================================================================
// 內部（呼叫端必須持有 e.mu）
// ============================================================================

// takeDueCallbacksLocked 摘下所有已到期的 callback 登記
func (e *Engine) takeDueCallbacksLocked(finished types.Seqno) []*seqnoCallback {
	var due []*seqnoCallback
	for elem := e.callbacks.Front(); elem != nil; {
		next := elem.Next()
		cb := elem.Value.(*seqnoCallback)
		if cb.seqno <= finished {
			due = append(due, cb)
			e.callbacks.Remove(elem)
		}
		elem = next
	}
	return due
}

// takeDueWaitersLocked 摘下所有已到期的等待登記
func (e *Engine) takeDueWaitersLocked(finished types.Seqno) []*waiter {
	var due []*waiter
	for elem := e.waiters.Front(); elem != nil; {
		next := elem.Next()
		w := elem.Value.(*waiter)
		if w.seqno <= finished {
			due = append(due, w)
			e.waiters.Remove(elem)
		}
		elem = next
	}
	return due
}

// recordJobErrLocked 紀錄強制結束的死因，超出上限淘汰最舊
func (e *Engine) recordJobErrLocked(seqno types.Seqno, err error) {
	e.jobErrs[seqno] = err
	e.jobErrOrder = append(e.jobErrOrder, seqno)
	for len(e.jobErrOrder) > jobErrHistory {
		delete(e.jobErrs, e.jobErrOrder[0])
		e.jobErrOrder = e.jobErrOrder[1:]
	}
}

// removeWaiter 取消一筆等待登記（cleanup 可能已先摘下，重複移除無害）
func (e *Engine) removeWaiter(elem *list.Element) {
	e.mu.Lock()
	e.waiters.Remove(elem)
	e.mu.Unlock()
}
