package debug

// ============================================================================
// 職責說明：
// 1. 將引擎即時狀態（統計 + 硬體暫存器 + 快取）序列化為 JSON 傾印檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 供事後除錯：卡死或溢位事件發生時的現場快照
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedDump       = errors.New("state dump file is corrupted")
	ErrIncompatibleVersion = errors.New("state dump schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 一次引擎狀態傾印
type State struct {
	SchemaVer   int               `json:"schema_ver"`
	CapturedAt  time.Time         `json:"captured_at"`
	Stats       types.Stats       `json:"stats"`
	Registers   map[string]uint32 `json:"registers"`
	CacheHits   uint64            `json:"cache_hits"`
	CacheMisses uint64            `json:"cache_misses"`
}

// Source 提供傾印內容的來源（引擎實作此介面）
type Source interface {
	Stats() types.Stats
	Registers() map[string]uint32
}

// Manager 狀態傾印管理器
type Manager struct {
	path string     // 傾印檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立傾印管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Capture 擷取來源的即時狀態並原子性寫入
func (m *Manager) Capture(src Source) (State, error) {
	state := State{
		CapturedAt: time.Now(),
		Stats:      src.Stats(),
		Registers:  src.Registers(),
	}
	return state, m.Write(state)
}

// Write 原子性寫入狀態傾印
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 設定版本號（目前為 1）
	state.SchemaVer = 1

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state dump: %w", err)
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp state dump: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state dump: %w", err)
	}

	return nil
}

// Load 載入狀態傾印
//
// 行為：
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的傾印檔案
func (m *Manager) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state State

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		return state, fmt.Errorf("failed to read state dump: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptedDump, err)
	}

	if state.SchemaVer != 1 {
		return state, fmt.Errorf("%w: got %d, want 1", ErrIncompatibleVersion, state.SchemaVer)
	}

	return state, nil
}

// Exists 檢查傾印檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得傾印檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
