// ============================================================================
// VidCore CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   vidcore                        # Root command
//   ├── run                        # Start the engine and serve until interrupted
//   │   └── --config, -c          # Specify config file
//   ├── bench                      # Submit a batch of jobs and report throughput
//   │   ├── --jobs, -n            # Number of jobs to submit
//   │   └── --wait-each           # Wait for every job instead of the last one
//   ├── status                     # View configuration and last state dump
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - v3d: Simulated hardware timing and tile limits
//   - bo: Memory arena size and cache policy
//   - trace: Submission trace log
//   - dump: State dump file written on shutdown
//   - metrics: Prometheus monitoring configuration
//
// Signal Handling:
//   run command captures SIGINT / SIGTERM and gracefully shuts down:
//   1. Stop accepting new submissions
//   2. Capture a final state dump
//   3. Close all resources
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/vidcore/internal/bo"
	"github.com/ChuLiYu/vidcore/internal/debug"
	"github.com/ChuLiYu/vidcore/internal/engine"
	"github.com/ChuLiYu/vidcore/internal/metrics"
	"github.com/ChuLiYu/vidcore/internal/trace"
	"github.com/ChuLiYu/vidcore/internal/validate"
	"github.com/ChuLiYu/vidcore/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	V3D struct {
		ExecLatencyMs     int    `yaml:"exec_latency_ms"`
		HangcheckPeriodMs int    `yaml:"hangcheck_period_ms"`
		OverflowSize      uint32 `yaml:"overflow_size"`
		MaxBinTilesX      uint8  `yaml:"max_bin_tiles_x"`
		MaxBinTilesY      uint8  `yaml:"max_bin_tiles_y"`
	} `yaml:"v3d"`

	BO struct {
		ArenaSize            uint32 `yaml:"arena_size"`
		CacheBudget          uint64 `yaml:"cache_budget"`
		CacheAgeSeconds      int    `yaml:"cache_age_seconds"`
		SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	} `yaml:"bo"`

	Trace struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"trace"`

	Dump struct {
		Path string `yaml:"path"`
	} `yaml:"dump"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vidcore",
		Short: "VidCore: a command-submission engine for a tiled 3D pipeline",
		Long: `VidCore validates untrusted command lists, schedules them on a
single-slot hardware pipeline and tracks completion with:
- Refcounted buffer objects with a size-bucketed cache
- Per-packet validation with physical address rewriting
- Watchdog-driven hang recovery
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBenchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the VidCore engine",
		Long:  "Start the engine with the configured hardware simulation and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng, tracer, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	shutdown(cfg, eng, tracer)
	log.Println("System stopped. Goodbye!")
	return nil
}

// buildEngine 依配置組裝引擎與其周邊（metrics、trace）
func buildEngine(cfg *Config) (*engine.Engine, *trace.Writer, error) {
	var tracer *trace.Writer
	if cfg.Trace.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Trace.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
		w, err := trace.NewWriter(cfg.Trace.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace log: %w", err)
		}
		tracer = w
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	eng, err := engine.New(engineConfig(cfg), collector, tracer)
	if err != nil {
		if tracer != nil {
			tracer.Close()
		}
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return eng, tracer, nil
}

// engineConfig 把 YAML 配置轉為引擎配置
func engineConfig(cfg *Config) engine.Config {
	ec := engine.DefaultConfig()
	if cfg.V3D.ExecLatencyMs > 0 {
		ec.ExecLatency = time.Duration(cfg.V3D.ExecLatencyMs) * time.Millisecond
	}
	ec.HangcheckPeriod = time.Duration(cfg.V3D.HangcheckPeriodMs) * time.Millisecond
	if cfg.V3D.OverflowSize > 0 {
		ec.OverflowSize = cfg.V3D.OverflowSize
	}
	if cfg.V3D.MaxBinTilesX > 0 {
		ec.MaxTilesX = cfg.V3D.MaxBinTilesX
	}
	if cfg.V3D.MaxBinTilesY > 0 {
		ec.MaxTilesY = cfg.V3D.MaxBinTilesY
	}
	if cfg.BO.ArenaSize > 0 {
		ec.BO = bo.Config{
			ArenaSize:     cfg.BO.ArenaSize,
			CacheBudget:   cfg.BO.CacheBudget,
			CacheAge:      time.Duration(cfg.BO.CacheAgeSeconds) * time.Second,
			SweepInterval: time.Duration(cfg.BO.SweepIntervalSeconds) * time.Second,
		}
	}
	return ec
}

// shutdown 關閉前擷取最終狀態傾印
func shutdown(cfg *Config, eng *engine.Engine, tracer *trace.Writer) {
	if cfg.Dump.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Dump.Path), 0755); err == nil {
			if _, err := debug.NewManager(cfg.Dump.Path).Capture(eng); err != nil {
				log.Printf("Failed to capture state dump: %v\n", err)
			}
		}
	}
	if err := eng.Close(); err != nil {
		log.Printf("Failed to close engine: %v\n", err)
	}
	if tracer != nil {
		if err := tracer.Close(); err != nil {
			log.Printf("Failed to close trace log: %v\n", err)
		}
	}
}

func buildBenchCommand() *cobra.Command {
	var jobCount int
	var waitEach bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Submit a batch of jobs and report throughput",
		Long:  "Drive the full submit/validate/schedule/complete path with generated command lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(jobCount, waitEach)
		},
	}

	cmd.Flags().IntVarP(&jobCount, "jobs", "n", 100, "number of jobs to submit")
	cmd.Flags().BoolVar(&waitEach, "wait-each", false, "wait for every job instead of only the last one")

	return cmd
}

func runBench(jobCount int, waitEach bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng, tracer, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer shutdown(cfg, eng, tracer)

	// 標準測試場景：tile alloc / tile state / render target
	var table []types.Handle
	for i := 0; i < 3; i++ {
		h, err := eng.CreateBO(4096)
		if err != nil {
			return fmt.Errorf("failed to create BO: %w", err)
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

	args := types.SubmitArgs{
		BinCL:     bin.Bytes(),
		RenderCL:  render.Bytes(),
		BOHandles: table,
	}

	log.Printf("Submitting %d jobs...\n", jobCount)
	start := time.Now()

	var last types.Seqno
	for i := 0; i < jobCount; i++ {
		seqno, err := eng.Submit(args)
		if err != nil {
			return fmt.Errorf("submit %d failed: %w", i, err)
		}
		if waitEach {
			if err := eng.WaitForSeqno(context.Background(), seqno, time.Minute); err != nil {
				return fmt.Errorf("wait for seqno %d failed: %w", seqno, err)
			}
		}
		last = seqno
	}

	if !waitEach {
		if err := eng.WaitForSeqno(context.Background(), last, time.Minute); err != nil {
			return fmt.Errorf("wait for seqno %d failed: %w", last, err)
		}
	}

	elapsed := time.Since(start)
	st := eng.Stats()
	log.Printf("Completed %d jobs in %s (%.1f jobs/s)\n",
		st.Completed, elapsed, float64(st.Completed)/elapsed.Seconds())
	log.Printf("BO cache: %d objects, %d bytes\n", st.CachedBOs, st.CachedBytes)
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration and the statistics from the last state dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           VidCore System Status                           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:       %s\n", configFile)
	fmt.Printf("  └─ Exec Latency:      %dms\n", cfg.V3D.ExecLatencyMs)
	fmt.Printf("  └─ Hangcheck Period:  %dms\n", cfg.V3D.HangcheckPeriodMs)
	fmt.Printf("  └─ Max Bin Tiles:     %dx%d\n", cfg.V3D.MaxBinTilesX, cfg.V3D.MaxBinTilesY)
	fmt.Println()

	fmt.Println("💾 Memory:")
	fmt.Printf("  ├─ Arena Size:    %.1f MB\n", float64(cfg.BO.ArenaSize)/(1024*1024))
	fmt.Printf("  └─ Cache Budget:  %.1f MB\n", float64(cfg.BO.CacheBudget)/(1024*1024))
	fmt.Println()

	// 最近一次狀態傾印（引擎關閉時寫入）
	fmt.Println("📊 Last State Dump:")
	dumpMgr := debug.NewManager(cfg.Dump.Path)
	if cfg.Dump.Path != "" && dumpMgr.Exists() {
		state, err := dumpMgr.Load()
		if err != nil {
			fmt.Printf("  └─ Unreadable: %v\n", err)
		} else {
			fmt.Printf("  ├─ Captured At:  %s\n", state.CapturedAt.Format(time.RFC3339))
			fmt.Printf("  ├─ Emitted:      %d\n", state.Stats.Emitted)
			fmt.Printf("  ├─ Completed:    %d\n", state.Stats.Completed)
			fmt.Printf("  ├─ Hung:         %d\n", state.Stats.HungCount)
			fmt.Printf("  └─ Cached BOs:   %d (%d bytes)\n", state.Stats.CachedBOs, state.Stats.CachedBytes)
		}
	} else {
		fmt.Println("  └─ No dump found (run 'vidcore run' or 'vidcore bench' first)")
	}
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
