// ============================================================================
// VidCore Engine - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 系統核心引擎，協調所有模組，實現任務提交、排程與完成通知
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - bo.Store: BO 生命週期管理（引用計數 + 大小分桶快取）
//   - validate.Validator: 不可信命令列表的逐封包驗證
//   - hw.V3D: 模擬硬體執行管線（控制列表暫存器 + 完成中斷）
//   - metrics.Collector: Prometheus 指標（可選）
//   - trace.Writer: 提交軌跡紀錄（可選）
//
// 核心循環 (3 個並發 Goroutine):
//   1. Cleanup Loop   - 完成任務的資源回收與通知（對應 bottom-half）
//   2. Hangcheck Loop - watchdog 取樣程式計數器，偵測硬體卡死
//   3. Stats Loop     - 定期更新 Prometheus gauge
//
// 任務生命週期:
//   Submit -> 驗證 -> 配發序號 -> FIFO 入佇 -> 硬體槽位（單一 in-flight）
//   -> 完成中斷（IRQ context, O(1)）-> cleanup worker 釋放 BO、喚醒等待者
//
// 序號語意:
//   - emitSeqno 單調遞增，永不重用
//   - finishedSeqno 只會前進；單一 in-flight FIFO 保證完成順序 == 提交順序
//   - 任務"完成"包含正常完成與被 watchdog 強制結束兩種情況
//
// 並發安全:
//   - 單一 sync.Mutex 保護佇列與通知狀態
//   - 中斷處理函式 O(1) 且不阻塞：只搬移指標、推進序號、踢 cleanup
//   - stopCh + sync.WaitGroup 確保優雅關閉
//
// ============================================================================

package engine

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/vidcore/internal/bo"
	"github.com/ChuLiYu/vidcore/internal/hw"
	"github.com/ChuLiYu/vidcore/internal/metrics"
	"github.com/ChuLiYu/vidcore/internal/trace"
	"github.com/ChuLiYu/vidcore/internal/validate"
	"github.com/ChuLiYu/vidcore/pkg/types"
)

var log = slog.Default()

// 卡死任務錯誤保留的筆數上限，超過後淘汰最舊的紀錄
const jobErrHistory = 1024

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎配置
type Config struct {
	ExecLatency     time.Duration // 模擬硬體的單任務執行時間
	HangcheckPeriod time.Duration // watchdog 取樣間隔（必須大於 ExecLatency，0 停用）
	StatsInterval   time.Duration // Prometheus gauge 更新間隔（0 停用）
	OverflowSize    uint32        // binner 溢位記憶體大小（0 停用預先配置）
	MaxTilesX       uint8         // 硬體 tile 寬度上限
	MaxTilesY       uint8         // 硬體 tile 高度上限
	BO              bo.Config     // BO Store 配置
}

// DefaultConfig 回傳適合示範與測試的預設配置
func DefaultConfig() Config {
	return Config{
		ExecLatency:     2 * time.Millisecond,
		HangcheckPeriod: 100 * time.Millisecond,
		StatsInterval:   time.Second,
		OverflowSize:    256 * 1024,
		MaxTilesX:       64,
		MaxTilesY:       64,
		BO: bo.Config{
			ArenaSize:     64 << 20,
			CacheBudget:   16 << 20,
			CacheAge:      time.Minute,
			SweepInterval: time.Second,
		},
	}
}

// job 一次已通過驗證的提交在佇列中的狀態
type job struct {
	exec      *validate.ExecJob
	status    types.JobStatus
	submitted time.Time
	err       error // 強制結束時為 ErrHung
}

// Engine 核心引擎，對外的唯一入口
type Engine struct {
	cfg       Config
	store     *bo.Store
	validator *validate.Validator
	hw        *hw.V3D
	collector *metrics.Collector // 可為 nil
	tracer    *trace.Writer      // 可為 nil

	mu       sync.Mutex
	queue    *list.List // *job；有 in-flight 時佇列頭就是它
	inFlight *job
	doneJobs []*job // 等待 cleanup worker 回收的已完成任務

	emitSeqno types.Seqno
	finished  atomic.Uint64
	hungCount atomic.Uint64

	callbacks *list.List // *seqnoCallback
	waiters   *list.List // *waiter

	jobErrs     map[types.Seqno]error
	jobErrOrder []types.Seqno

	overflowBO      *bo.BufferObject
	overflowPending bool // 溢位中斷已到、等待 cleanup worker 補充

	// watchdog 取樣狀態
	lastSampleSeqno  types.Seqno
	lastCT0, lastCT1 uint32

	doneCh chan struct{}
	stopCh chan struct{}
	loopWg sync.WaitGroup
	closed bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立引擎並啟動核心循環
//
// 參數：
//   - cfg: 引擎配置
//   - collector: Prometheus 收集器，nil 表示停用
//   - tracer: 軌跡寫入器，nil 表示停用
//
// 返回值：
//   - *Engine: 引擎實例
//   - error: 初始化錯誤
func New(cfg Config, collector *metrics.Collector, tracer *trace.Writer) (*Engine, error) {
	store, err := bo.NewStore(cfg.BO)
	if err != nil {
		return nil, fmt.Errorf("failed to create BO store: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		validator: validate.New(store, validate.Limits{MaxTilesX: cfg.MaxTilesX, MaxTilesY: cfg.MaxTilesY}),
		hw:        hw.New(cfg.ExecLatency),
		collector: collector,
		tracer:    tracer,
		queue:     list.New(),
		callbacks: list.New(),
		waiters:   list.New(),
		jobErrs:   make(map[types.Seqno]error),
		doneCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	e.hw.SetIRQHandler(e)

	// 預先配置 binner 溢位記憶體並告知硬體
	if cfg.OverflowSize > 0 {
		ovf, err := store.Create(cfg.OverflowSize)
		if err != nil {
			e.hw.Close()
			store.Close()
			return nil, fmt.Errorf("failed to create overflow memory: %w", err)
		}
		e.overflowBO = ovf
		e.hw.WriteReg(hw.RegBPOA, ovf.Paddr())
		e.hw.WriteReg(hw.RegBPOS, ovf.Size())
	}

	e.loopWg.Add(1)
	go e.cleanupLoop()

	if cfg.HangcheckPeriod > 0 {
		e.loopWg.Add(1)
		go e.hangcheckLoop()
	}
	if cfg.StatsInterval > 0 && collector != nil {
		e.loopWg.Add(1)
		go e.statsLoop()
	}

	log.Info("Engine started",
		"arena_bytes", cfg.BO.ArenaSize,
		"max_tiles_x", cfg.MaxTilesX,
		"max_tiles_y", cfg.MaxTilesY)
	return e, nil
}

// Submit 提交一次 bin/render 任務
//
// 流程：
//  1. 驗證命令列表並取得任務引用（失敗即拒絕，不配發序號）
//  2. 配發單調遞增序號
//  3. FIFO 入佇；硬體空閒時立即提升為 in-flight
//
// 返回值：
//   - types.Seqno: 配發的序號，可用於 WaitForSeqno / QueueSeqnoCB
//   - error: 驗證錯誤或 ErrClosed
func (e *Engine) Submit(args types.SubmitArgs) (types.Seqno, error) {
	exec, err := e.validator.Validate(args)
	if err != nil {
		if e.collector != nil {
			e.collector.RecordValidationFailure()
		}
		e.traceEvent(trace.EventReject, 0, err.Error())
		return 0, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		for _, b := range exec.BOs {
			e.store.Release(b)
		}
		e.store.FreeHandle(exec.ExecBO.Handle())
		return 0, ErrClosed
	}

	e.emitSeqno++
	exec.Seqno = e.emitSeqno

	// 任務引用已在驗證期取得（解析 handle 的同一臨界區），
	// 完成前 BO 不會進入快取；這裡只記錄最後使用序號
	for _, b := range exec.BOs {
		e.store.SetLastUse(b, exec.Seqno)
	}
	e.store.SetLastUse(exec.ExecBO, exec.Seqno)

	j := &job{
		exec:      exec,
		status:    types.StatusQueued,
		submitted: time.Now(),
	}
	e.queue.PushBack(j)
	e.promoteLocked()
	seqno := exec.Seqno
	e.mu.Unlock()

	if e.collector != nil {
		e.collector.RecordSubmit()
	}
	e.traceEvent(trace.EventSubmit, seqno, "")

	log.Debug("Job submitted", "seqno", seqno, "bos", len(exec.BOs))
	return seqno, nil
}

// ============================================================================
// BO 操作（外部介面的薄包裝）
// ============================================================================

// CreateBO 配置一個清零的 BO 並回傳 handle
func (e *Engine) CreateBO(size uint32) (types.Handle, error) {
	b, err := e.store.Create(size)
	if err != nil {
		return 0, err
	}
	return b.Handle(), nil
}

// CreateShaderBO 驗證 shader 指令流後配置 shader BO
// 內容寫入後不可再變動，驗證結果跟隨 BO 存活期重用
func (e *Engine) CreateShaderBO(data []byte) (types.Handle, error) {
	info, err := validate.ValidateShader(data)
	if err != nil {
		return 0, err
	}
	b, err := e.store.CreateShader(data, info)
	if err != nil {
		return 0, err
	}
	return b.Handle(), nil
}

// MapBO 回傳 BO 的記憶體切片，呼叫端可直接讀寫
func (e *Engine) MapBO(h types.Handle) ([]byte, error) {
	b, err := e.store.Lookup(h)
	if err != nil {
		return nil, err
	}
	return b.Mem(), nil
}

// ExportBO 標記 BO 已被外部匯出；之後不得再作為 shader 使用
func (e *Engine) ExportBO(h types.Handle) error {
	b, err := e.store.Lookup(h)
	if err != nil {
		return err
	}
	e.store.MarkDMAExport(b)
	return nil
}

// FreeBO 釋放呼叫端對 BO 的引用；仍被任務引用時延後回收
func (e *Engine) FreeBO(h types.Handle) error {
	return e.store.FreeHandle(h)
}

// ============================================================================
// 觀測介面
// ============================================================================

// Stats 回傳系統統計資訊
func (e *Engine) Stats() types.Stats {
	e.mu.Lock()
	queued := e.queue.Len()
	emitted := uint64(e.emitSeqno)
	e.mu.Unlock()

	return types.Stats{
		Emitted:     emitted,
		Completed:   e.finished.Load(),
		Queued:      queued,
		CachedBytes: e.store.CachedBytes(),
		CachedBOs:   e.store.CachedCount(),
		HungCount:   e.hungCount.Load(),
	}
}

// Registers 回傳硬體暫存器的即時快照（除錯傾印用）
func (e *Engine) Registers() map[string]uint32 {
	return map[string]uint32{
		"CT0CA": e.hw.ReadReg(hw.RegCT0CA),
		"CT0EA": e.hw.ReadReg(hw.RegCT0EA),
		"CT1CA": e.hw.ReadReg(hw.RegCT1CA),
		"CT1EA": e.hw.ReadReg(hw.RegCT1EA),
		"BPOA":  e.hw.ReadReg(hw.RegBPOA),
		"BPOS":  e.hw.ReadReg(hw.RegBPOS),
	}
}

// StallHardware 凍結模擬硬體的程式計數器，讓 watchdog 觀察到卡死
// （示範與測試掛鉤）
func (e *Engine) StallHardware() {
	e.hw.Stall()
}

// ResumeHardware 解除凍結
func (e *Engine) ResumeHardware() {
	e.hw.Resume()
}

// statsLoop 定期更新 Prometheus gauge
func (e *Engine) statsLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			st := e.Stats()
			e.collector.UpdateQueueStats(st.Queued, st.CachedBytes, st.CachedBOs)
		}
	}
}

// traceEvent 寫入軌跡事件，tracer 未設定時為 no-op
func (e *Engine) traceEvent(evType trace.EventType, seqno types.Seqno, detail string) {
	if e.tracer == nil {
		return
	}
	if err := e.tracer.Append(evType, seqno, detail); err != nil {
		log.Error("Failed to append trace event", "type", evType, "error", err)
	}
}

// ============================================================================
// 關閉順序設計說明
// ============================================================================
//
// 關閉順序：
//  1. 標記 closed       → 拒絕新的 Submit / Wait
//  2. close(stopCh)     → 通知所有循環與等待者
//  3. hw.Close()        → 停止硬體 goroutine（之後不再有中斷）
//  4. loopWg.Wait()     → 等待所有循環退出
//  5. 釋放未完成任務與溢位記憶體的引用，關閉 store
//
// 為什麼這個順序很重要：
//   - 必須先停硬體再回收任務，否則中斷處理函式會碰到已釋放的佇列
//   - 等待者 select 同時監聽 stopCh，關閉時以 ErrClosed 返回而非永久阻塞
//
// ============================================================================

// Close 優雅關閉引擎；佇列中未完成的任務直接丟棄並釋放其引用
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	log.Info("Stopping engine...")

	close(e.stopCh)
	e.hw.Close()
	e.loopWg.Wait()

	e.mu.Lock()
	var leftovers []*job
	for elem := e.queue.Front(); elem != nil; elem = elem.Next() {
		leftovers = append(leftovers, elem.Value.(*job))
	}
	e.queue.Init()
	e.inFlight = nil
	leftovers = append(leftovers, e.doneJobs...)
	e.doneJobs = nil
	ovf := e.overflowBO
	e.overflowBO = nil
	e.mu.Unlock()

	for _, j := range leftovers {
		e.releaseJob(j)
	}
	if ovf != nil {
		e.store.FreeHandle(ovf.Handle())
	}

	err := e.store.Close()
	log.Info("Engine stopped")
	return err
}
