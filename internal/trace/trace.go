package trace

// ============================================================================
// 提交軌跡紀錄
// 職責：
// 1. 以 append-only JSONL 記錄每次提交的生命週期事件
// 2. 供事後除錯：重建卡死或溢位發生前的提交順序
// 3. 檔案旋轉：達到大小上限自動清空重寫，也可手動旋轉
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/vidcore/pkg/types"
)

// EventType 軌跡事件類型
type EventType string

const (
	// EventSubmit 任務通過驗證並取得序號
	EventSubmit EventType = "SUBMIT"
	// EventReject 提交在驗證階段被拒絕
	EventReject EventType = "REJECT"
	// EventComplete 硬體回報任務完成
	EventComplete EventType = "COMPLETE"
	// EventHung watchdog 強制結束任務
	EventHung EventType = "HUNG"
	// EventOverflow binner 溢位記憶體補充
	EventOverflow EventType = "OVERFLOW"
)

// Event 單筆軌跡事件
type Event struct {
	Seq       uint64      `json:"seq"`    // 軌跡檔內的事件序號
	Type      EventType   `json:"type"`   // 事件類型
	Seqno     types.Seqno `json:"seqno"`  // 相關任務的序號（REJECT/OVERFLOW 可為 0）
	Detail    string      `json:"detail"` // 附加說明（拒絕原因、溢位大小等）
	Timestamp int64       `json:"ts"`     // UnixMilli
}

// ErrClosed 寫入器已關閉
var ErrClosed = errors.New("trace: writer closed")

// DefaultMaxBytes 軌跡檔案預設大小上限，超過後旋轉
const DefaultMaxBytes = 64 << 20

// Writer 軌跡寫入器
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	seq      uint64
	size     int64 // 目前檔案大小
	maxBytes int64 // 超過即旋轉，0 表示不旋轉
	closed   bool
}

// NewWriter 建立或開啟軌跡檔案（追加模式，預設大小上限）
func NewWriter(path string) (*Writer, error) {
	return NewWriterSize(path, DefaultMaxBytes)
}

// NewWriterSize 同 NewWriter，但指定旋轉門檻；maxBytes 0 表示不旋轉
func NewWriterSize(path string, maxBytes int64) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{
		file:     file,
		path:     path,
		size:     info.Size(),
		maxBytes: maxBytes,
	}, nil
}

// Append 追加一筆事件；seq 與時間戳由寫入器填入
//
// 檔案達到大小上限時先旋轉再寫入，所以單筆事件最多讓檔案超出上限
// 一行的長度。
func (w *Writer) Append(evType EventType, seqno types.Seqno, detail string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if w.maxBytes > 0 && w.size >= w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	w.seq++
	line, err := json.Marshal(Event{
		Seq:       w.seq,
		Type:      evType,
		Seqno:     seqno,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	n, err := w.file.Write(line)
	w.size += int64(n)
	return err
}

// Rotate 清空軌跡檔案並重設事件序號
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.seq = 0
	w.size = 0
	return nil
}

// Close 同步並關閉軌跡檔案
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Read 讀回軌跡檔案的所有事件（除錯與測試用）
func Read(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// 尾端可能有不完整的一行（程序中斷時），忽略其後內容
			break
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
