package validate

// ============================================================================
// 職責說明：
// 1. shader BO 建立時的一次性指令流驗證
// 2. 產出 ValidatedShader 中繼資料：uniform 讀取量與貼圖取樣數
// 3. 之後每個引用該 shader 的任務重用此結果，不重複掃描指令
// ============================================================================

import (
	"encoding/binary"
	"fmt"

	"github.com/ChuLiYu/vidcore/internal/bo"
)

// shader 指令為 8 位元組，最低位元組是操作碼
const shaderInsnSize = 8

// 驗證器關心的操作碼
const (
	opThreadEnd   = 0x03 // 指令流必須以此結束
	opUniformRead = 0x20 // 每次讀取 4 位元組 uniform
	opTexSample   = 0x30 // 貼圖取樣，消耗 4 個 uniform 參數
)

// ValidateShader 掃描 shader 指令流並產出中繼資料
//
// 規則：
//   - 長度必須是指令大小的整數倍且非空
//   - 最後一道指令必須是 thread end
//   - thread end 之後不得再有指令（尾端檢查已涵蓋）
func ValidateShader(data []byte) (*bo.ValidatedShader, error) {
	if len(data) == 0 || len(data)%shaderInsnSize != 0 {
		return nil, fmt.Errorf("%w: shader length %d not a multiple of %d",
			ErrBadShader, len(data), shaderInsnSize)
	}

	info := &bo.ValidatedShader{}
	count := len(data) / shaderInsnSize
	for i := 0; i < count; i++ {
		insn := binary.LittleEndian.Uint64(data[i*shaderInsnSize:])
		op := byte(insn)

		switch op {
		case opUniformRead:
			info.UniformsSize += 4
		case opTexSample:
			info.TextureSamples++
			info.UniformsSize += 16 // p0-p3 取樣參數
		case opThreadEnd:
			if i != count-1 {
				return nil, fmt.Errorf("%w: thread end at insn %d of %d",
					ErrBadShader, i, count)
			}
		}
	}

	if byte(binary.LittleEndian.Uint64(data[(count-1)*shaderInsnSize:])) != opThreadEnd {
		return nil, fmt.Errorf("%w: shader does not terminate", ErrBadShader)
	}

	return info, nil
}
