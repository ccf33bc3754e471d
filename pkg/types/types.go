// Package types 定義了 vidcore 系統中使用的核心領域模型
package types

// Handle BO 唯一識別碼，由 BO Store 配發給呼叫端
type Handle uint32

// Seqno 任務序號，單調遞增且永不重用
type Seqno uint64

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued    JobStatus = "queued"    // 排隊中：任務已通過驗證，等待硬體槽位
	StatusInFlight  JobStatus = "in_flight" // 執行中：任務已寫入 CT0/CT1 暫存器
	StatusCompleted JobStatus = "completed" // 完成：硬體已回報完成中斷
	StatusHung      JobStatus = "hung"      // 掛起：watchdog 判定硬體卡死，任務被強制結束
)

// SubmitArgs 任務提交參數，對應一次完整的 bin/render 提交
// 所有內容視為不可信輸入，必須經過 validate 套件檢查後才能進入佇列
type SubmitArgs struct {
	// BinCL 未驗證的 binning 命令列表位元組串
	BinCL []byte
	// RenderCL 未驗證的 rendering 命令列表位元組串
	RenderCL []byte
	// BOHandles 任務引用的 BO handle 表，命令列表中以索引引用
	BOHandles []Handle
	// ShaderRecCount 呼叫端宣告使用的 shader state record 數量
	ShaderRecCount uint32
}

// Stats 系統統計資訊，對外觀測用
type Stats struct {
	Emitted     uint64 `json:"emitted"`      // 已配發的最大序號
	Completed   uint64 `json:"completed"`    // 硬體已確認完成的最大序號
	Queued      int    `json:"queued"`       // 目前排隊中的任務數（含 in-flight）
	CachedBytes uint64 `json:"cached_bytes"` // BO 快取中暫存的位元組數
	CachedBOs   int    `json:"cached_bos"`   // BO 快取中暫存的物件數
	HungCount   uint64 `json:"hung_count"`   // watchdog 強制結束的任務累計數
}
