package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/vidcore/internal/engine"
	"github.com/ChuLiYu/vidcore/internal/validate"
	"github.com/ChuLiYu/vidcore/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <pipeline|hang>")
		os.Exit(1)
	}

	mode := os.Args[1]

	cfg := engine.DefaultConfig()
	cfg.ExecLatency = 20 * time.Millisecond
	cfg.HangcheckPeriod = 100 * time.Millisecond

	eng, err := engine.New(cfg, nil, nil)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer eng.Close()

	fmt.Printf("✓ Engine started (mode: %s)\n", mode)

	// 標準場景 BO 表：tile alloc / tile state / render target
	var table []types.Handle
	for i := 0; i < 3; i++ {
		h, err := eng.CreateBO(4096)
		if err != nil {
			log.Fatalf("Failed to create BO: %v", err)
		}
		table = append(table, h)
	}

	var bin validate.Builder
	bin.TileBinningModeConfig(0, 0, 1024, 1, 4, 4, 0).
		StartTileBinning().
		IncrementSemaphore().
		Flush()

	var render validate.Builder
	render.TileCoordinates(0, 0).
		StoreTileBufferGeneral(2, 0, 4096).
		Flush()

	args := types.SubmitArgs{
		BinCL:     bin.Bytes(),
		RenderCL:  render.Bytes(),
		BOHandles: table,
	}

	switch mode {
	case "pipeline":
		runPipelineDemo(eng, args)
	case "hang":
		runHangDemo(eng, args)
	default:
		fmt.Printf("Unknown mode %q\n", mode)
		os.Exit(1)
	}

	st := eng.Stats()
	fmt.Printf("\n📊 Final Status:\n")
	fmt.Printf("  Emitted:    %d\n", st.Emitted)
	fmt.Printf("  Completed:  %d\n", st.Completed)
	fmt.Printf("  Hung:       %d\n", st.HungCount)
	fmt.Printf("  Cached BOs: %d (%d bytes)\n", st.CachedBOs, st.CachedBytes)
}

// runPipelineDemo 展示完整的提交/驗證/排程/完成路徑，
// 包含一次被驗證器拒絕的提交與溢位記憶體讀出
func runPipelineDemo(eng *engine.Engine, args types.SubmitArgs) {
	fmt.Println("\n⚡ Submitting 10 jobs...")

	var last types.Seqno
	for i := 0; i < 10; i++ {
		seqno, err := eng.Submit(args)
		if err != nil {
			log.Fatalf("Submit failed: %v", err)
		}
		last = seqno
	}

	// 一個越界的提交：在 4096 位元組的 BO 上從偏移 1 讀 4096 位元組
	var bad validate.Builder
	bad.TileCoordinates(0, 0).StoreTileBufferGeneral(2, 1, 4096).Flush()
	badArgs := args
	badArgs.RenderCL = bad.Bytes()
	if _, err := eng.Submit(badArgs); err != nil {
		fmt.Printf("✓ Validator rejected out-of-bounds submission: %v\n", err)
	}

	if err := eng.WaitForSeqno(context.Background(), last, time.Minute); err != nil {
		log.Fatalf("Wait failed: %v", err)
	}
	fmt.Printf("✓ All %d jobs completed in submission order\n", last)
}

// runHangDemo 展示 watchdog 卡死偵測與硬體重置後的自動恢復
func runHangDemo(eng *engine.Engine, args types.SubmitArgs) {
	fmt.Println("\n⚡ Submitting a job that will never finish...")

	eng.StallHardware()
	seqno, err := eng.Submit(args)
	if err != nil {
		log.Fatalf("Submit failed: %v", err)
	}

	err = eng.WaitForSeqno(context.Background(), seqno, time.Minute)
	fmt.Printf("✓ Watchdog verdict for seqno %d: %v\n", seqno, err)

	fmt.Println("⚡ Submitting again after the reset...")
	next, err := eng.Submit(args)
	if err != nil {
		log.Fatalf("Submit failed: %v", err)
	}
	if err := eng.WaitForSeqno(context.Background(), next, time.Minute); err != nil {
		log.Fatalf("Wait failed: %v", err)
	}
	fmt.Printf("✓ Seqno %d completed normally, pipeline recovered\n", next)
}
