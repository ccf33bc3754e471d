// ============================================================================
// VidCore 整合測試套件
// ============================================================================
//
// Package: test/integration
// 文件: pipeline_test.go
// 功能: 端到端提交管線測試
//
// 測試目標:
//   以對外介面驅動完整系統（驗證、排程、完成通知、觀測）：
//   1. 批次提交的任務全部依序完成
//   2. 軌跡檔完整記錄提交與完成事件
//   3. 卡死任務被 watchdog 回收後，管線繼續服務
//   4. 關閉時的狀態傾印可讀回且與統計一致
//
// TestPipelineThroughput:
//   - 提交 200 個任務
//   - 等待全部完成並計算吞吐量
//   - 驗證 BO 在完成後回到快取（exec BO 歸還）
//
// 注意:
//   - 測試結果受系統負載影響，不設吞吐量下限
//   - 使用 t.TempDir() 避免測試間污染
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/vidcore/internal/debug"
	"github.com/ChuLiYu/vidcore/internal/engine"
	"github.com/ChuLiYu/vidcore/internal/trace"
	"github.com/ChuLiYu/vidcore/internal/validate"
	"github.com/ChuLiYu/vidcore/pkg/types"
)

// newEngine 建立接上軌跡紀錄的測試引擎
func newEngine(t *testing.T, cfg engine.Config, tracePath string) *engine.Engine {
	t.Helper()

	var tracer *trace.Writer
	if tracePath != "" {
		w, err := trace.NewWriter(tracePath)
		if err != nil {
			t.Fatalf("Failed to open trace log: %v", err)
		}
		tracer = w
	}

	eng, err := engine.New(cfg, nil, tracer)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() {
		eng.Close()
		if tracer != nil {
			tracer.Close()
		}
	})
	return eng
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ExecLatency = time.Millisecond
	cfg.HangcheckPeriod = 0 // 各測試視需要啟用
	cfg.StatsInterval = 0
	return cfg
}

// standardArgs 建立標準提交：tile alloc / tile state / render target
func standardArgs(t *testing.T, eng *engine.Engine) types.SubmitArgs {
	t.Helper()

	var table []types.Handle
	for i := 0; i < 3; i++ {
		h, err := eng.CreateBO(4096)
		if err != nil {
			t.Fatalf("Failed to create BO: %v", err)
		}
		table = append(table, h)
	}

	var bin validate.Builder
	bin.TileBinningModeConfig(0, 0, 1024, 1, 2, 2, 0).
		StartTileBinning().
		IncrementSemaphore().
		Flush()

	var render validate.Builder
	render.TileCoordinates(0, 0).
		StoreTileBufferGeneral(2, 0, 4096).
		Flush()

	return types.SubmitArgs{
		BinCL:     bin.Bytes(),
		RenderCL:  render.Bytes(),
		BOHandles: table,
	}
}

// TestPipelineThroughput 批次提交 200 個任務並等待全部完成
func TestPipelineThroughput(t *testing.T) {
	const jobCount = 200

	eng := newEngine(t, testConfig(), "")
	args := standardArgs(t, eng)

	start := time.Now()
	var last types.Seqno
	for i := 0; i < jobCount; i++ {
		seqno, err := eng.Submit(args)
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		last = seqno
	}

	if err := eng.WaitForSeqno(context.Background(), last, time.Minute); err != nil {
		t.Fatalf("Wait for last seqno failed: %v", err)
	}
	elapsed := time.Since(start)

	st := eng.Stats()
	if st.Completed != jobCount {
		t.Errorf("Completed: got %d, want %d", st.Completed, jobCount)
	}
	if st.Queued != 0 {
		t.Errorf("Queued after completion: got %d, want 0", st.Queued)
	}
	t.Logf("Throughput: %.1f jobs/s (%d jobs in %s)",
		float64(jobCount)/elapsed.Seconds(), jobCount, elapsed)

	// exec BO 重用：每個任務的命令列表 BO 完成後回到快取，
	// 大小分桶保證整批只需要一個
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Stats().CachedBOs >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := eng.Stats().CachedBOs; got < 1 {
		t.Errorf("Cached BOs after batch: got %d, want >= 1", got)
	}
}

// TestTraceRecordsLifecycle 軌跡檔記錄提交、完成與拒絕事件
func TestTraceRecordsLifecycle(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.jsonl")
	eng := newEngine(t, testConfig(), tracePath)
	args := standardArgs(t, eng)

	seqno, err := eng.Submit(args)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := eng.WaitForSeqno(context.Background(), seqno, time.Minute); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// 一次會被拒絕的提交
	bad := args
	bad.BOHandles = nil
	if _, err := eng.Submit(bad); err == nil {
		t.Fatal("Submission with empty handle table must be rejected")
	}

	// 完成事件由 cleanup worker 非同步寫入
	deadline := time.Now().Add(5 * time.Second)
	var events []trace.Event
	for time.Now().Before(deadline) {
		events, err = trace.Read(tracePath)
		if err == nil && len(events) >= 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	var haveSubmit, haveComplete, haveReject bool
	for _, ev := range events {
		switch ev.Type {
		case trace.EventSubmit:
			haveSubmit = ev.Seqno == seqno
		case trace.EventComplete:
			haveComplete = ev.Seqno == seqno
		case trace.EventReject:
			haveReject = true
		}
	}
	if !haveSubmit || !haveComplete || !haveReject {
		t.Errorf("Trace missing events: submit=%v complete=%v reject=%v (%d events)",
			haveSubmit, haveComplete, haveReject, len(events))
	}
}

// TestHangRecoveryEndToEnd 卡死任務被回收後，後續提交照常服務
func TestHangRecoveryEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.ExecLatency = 5 * time.Millisecond
	cfg.HangcheckPeriod = 50 * time.Millisecond

	eng := newEngine(t, cfg, "")
	args := standardArgs(t, eng)

	eng.StallHardware()
	hungSeqno, err := eng.Submit(args)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := eng.WaitForSeqno(context.Background(), hungSeqno, time.Minute); err != engine.ErrHung {
		t.Fatalf("Hung job wait: got %v, want ErrHung", err)
	}

	// 重置後連續提交 10 個任務，全部正常完成
	var last types.Seqno
	for i := 0; i < 10; i++ {
		seqno, err := eng.Submit(args)
		if err != nil {
			t.Fatalf("Submit after reset failed: %v", err)
		}
		last = seqno
	}
	if err := eng.WaitForSeqno(context.Background(), last, time.Minute); err != nil {
		t.Fatalf("Wait after reset failed: %v", err)
	}

	st := eng.Stats()
	if st.HungCount != 1 {
		t.Errorf("HungCount: got %d, want 1", st.HungCount)
	}
	if st.Completed != uint64(last) {
		t.Errorf("Completed: got %d, want %d", st.Completed, last)
	}
}

// TestStateDumpRoundTrip 狀態傾印擷取後可讀回且與統計一致
func TestStateDumpRoundTrip(t *testing.T) {
	eng := newEngine(t, testConfig(), "")
	args := standardArgs(t, eng)

	for i := 0; i < 5; i++ {
		seqno, err := eng.Submit(args)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if err := eng.WaitForSeqno(context.Background(), seqno, time.Minute); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	dumpPath := filepath.Join(t.TempDir(), "state.json")
	mgr := debug.NewManager(dumpPath)
	captured, err := mgr.Capture(eng)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	loaded, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Stats != captured.Stats {
		t.Errorf("Dump stats mismatch: %+v vs %+v", loaded.Stats, captured.Stats)
	}
	if loaded.Stats.Emitted != 5 || loaded.Stats.Completed != 5 {
		t.Errorf("Dump stats: %+v, want emitted=5 completed=5", loaded.Stats)
	}
	if _, ok := loaded.Registers["CT0CA"]; !ok {
		t.Error("Dump missing CT0CA register")
	}
}

// TestConcurrentSubmitters 多個 goroutine 並發提交，序號不重複且全部完成
func TestConcurrentSubmitters(t *testing.T) {
	const submitters = 4
	const perSubmitter = 25

	eng := newEngine(t, testConfig(), "")
	args := standardArgs(t, eng)

	errCh := make(chan error, submitters)
	seqnoCh := make(chan types.Seqno, submitters*perSubmitter)

	for i := 0; i < submitters; i++ {
		go func() {
			for j := 0; j < perSubmitter; j++ {
				seqno, err := eng.Submit(args)
				if err != nil {
					errCh <- fmt.Errorf("submit: %w", err)
					return
				}
				seqnoCh <- seqno
			}
			errCh <- nil
		}()
	}

	for i := 0; i < submitters; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}
	close(seqnoCh)

	seen := make(map[types.Seqno]bool)
	var max types.Seqno
	for seqno := range seqnoCh {
		if seen[seqno] {
			t.Fatalf("Duplicate seqno %d", seqno)
		}
		seen[seqno] = true
		if seqno > max {
			max = seqno
		}
	}
	if len(seen) != submitters*perSubmitter {
		t.Fatalf("Seqno count: got %d, want %d", len(seen), submitters*perSubmitter)
	}

	if err := eng.WaitForSeqno(context.Background(), max, time.Minute); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := eng.Stats().Completed; got != uint64(submitters*perSubmitter) {
		t.Errorf("Completed: got %d, want %d", got, submitters*perSubmitter)
	}
}
