// ============================================================================
// VidCore Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露系統運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - vidcore_jobs_submitted_total: 通過驗證並入佇的任務總數
//      - vidcore_jobs_completed_total: 硬體確認完成的任務總數
//      - vidcore_jobs_hung_total: watchdog 強制結束的任務總數
//      - vidcore_validation_failures_total: 驗證階段拒絕的提交總數
//      - vidcore_bin_overflows_total: binner 溢位補充記憶體的次數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - vidcore_job_exec_seconds: 任務從提交到完成的延遲分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - vidcore_jobs_queued: 目前排隊中的任務數（含 in-flight）
//      - vidcore_bo_cache_bytes: BO 快取暫存的位元組數
//      - vidcore_bo_cache_objects: BO 快取暫存的物件數
//
// 監控告警建議:
//   - vidcore_jobs_hung_total 增長 → 硬體或命令列表異常
//   - vidcore_validation_failures_total 突增 → 客戶端送出壞命令
//   - vidcore_jobs_queued 持續增長 → 硬體吞吐不足
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted      prometheus.Counter
	jobsCompleted      prometheus.Counter
	jobsHung           prometheus.Counter
	validationFailures prometheus.Counter
	binOverflows       prometheus.Counter

	// 效能指標
	jobExecSeconds prometheus.Histogram

	// 狀態指標
	jobsQueued     prometheus.Gauge
	boCacheBytes   prometheus.Gauge
	boCacheObjects prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到預設 registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到指定 registry（測試用獨立 registry）
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidcore_jobs_submitted_total",
			Help: "Total number of jobs that passed validation and were queued",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidcore_jobs_completed_total",
			Help: "Total number of jobs the hardware reported complete",
		}),
		jobsHung: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidcore_jobs_hung_total",
			Help: "Total number of jobs force-completed by the watchdog",
		}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidcore_validation_failures_total",
			Help: "Total number of submissions rejected by the validator",
		}),
		binOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidcore_bin_overflows_total",
			Help: "Total number of binner overflow memory refills",
		}),
		jobExecSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vidcore_job_exec_seconds",
			Help:    "Job latency from submission to completion in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidcore_jobs_queued",
			Help: "Current number of queued jobs including the one in flight",
		}),
		boCacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidcore_bo_cache_bytes",
			Help: "Bytes currently held in the BO cache",
		}),
		boCacheObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidcore_bo_cache_objects",
			Help: "Objects currently held in the BO cache",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(c.jobsSubmitted)
	reg.MustRegister(c.jobsCompleted)
	reg.MustRegister(c.jobsHung)
	reg.MustRegister(c.validationFailures)
	reg.MustRegister(c.binOverflows)
	reg.MustRegister(c.jobExecSeconds)
	reg.MustRegister(c.jobsQueued)
	reg.MustRegister(c.boCacheBytes)
	reg.MustRegister(c.boCacheObjects)

	return c
}

// RecordSubmit 記錄任務通過驗證入佇
func (c *Collector) RecordSubmit() {
	c.jobsSubmitted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobExecSeconds.Observe(latencySeconds)
}

// RecordHung 記錄任務被 watchdog 強制結束
func (c *Collector) RecordHung() {
	c.jobsHung.Inc()
}

// RecordValidationFailure 記錄驗證拒絕
func (c *Collector) RecordValidationFailure() {
	c.validationFailures.Inc()
}

// RecordBinOverflow 記錄 binner 溢位補充
func (c *Collector) RecordBinOverflow() {
	c.binOverflows.Inc()
}

// UpdateQueueStats 更新佇列與快取狀態統計
func (c *Collector) UpdateQueueStats(queued int, cacheBytes uint64, cacheObjects int) {
	c.jobsQueued.Set(float64(queued))
	c.boCacheBytes.Set(float64(cacheBytes))
	c.boCacheObjects.Set(float64(cacheObjects))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
