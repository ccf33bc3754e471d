package validate

// ============================================================================
// 職責說明：
// 1. 定義控制列表的封包標籤與各標籤的固定 payload 長度
// 2. 提供 Builder 供測試與示範程式組裝命令列表
// 3. 封包格式：1 位元組標籤 + 固定長度 payload（小端序）
// ============================================================================

import "encoding/binary"

// 封包標籤，編號對齊硬體控制列表的配置
const (
	PacketHalt                  = 0
	PacketNop                   = 1
	PacketFlush                 = 4
	PacketStartTileBinning      = 6
	PacketIncrementSemaphore    = 7
	PacketLoadTileBufferGeneral = 26
	PacketStoreTileBufferGen    = 28
	PacketIndexedPrimList       = 32
	PacketVertexArrayPrims      = 33
	PacketGLShaderState         = 64
	PacketTileBinningModeConfig = 112
	PacketTileCoordinates       = 115
)

// payloadSize 各標籤的固定 payload 長度（不含標籤位元組）。
// 不在表中的標籤一律視為格式錯誤。
var payloadSize = map[byte]int{
	PacketHalt:                  0,
	PacketNop:                   0,
	PacketFlush:                 0,
	PacketStartTileBinning:      0,
	PacketIncrementSemaphore:    0,
	PacketLoadTileBufferGeneral: 12, // hindex u32, offset u32, length u32
	PacketStoreTileBufferGen:    12, // hindex u32, offset u32, length u32
	PacketIndexedPrimList:       17, // mode u8, count u32, hindex u32, offset u32, maxIndex u32
	PacketVertexArrayPrims:      9,  // mode u8, count u32, first u32
	PacketGLShaderState:         16, // index u32, shader hindex u32, uniforms hindex u32, uniforms offset u32
	PacketTileBinningModeConfig: 19, // alloc hindex u32, alloc offset u32, alloc size u32, state hindex u32, wTiles u8, hTiles u8, flags u8
	PacketTileCoordinates:       2,  // x u8, y u8
}

// tileStateBytesPerTile 每個 tile 需要的 tile state 空間
const tileStateBytesPerTile = 48

// tileAllocBytesPerTile 每個 tile 至少需要的 primitive list 空間
const tileAllocBytesPerTile = 32

// ============================================================================
// Builder - 命令列表組裝器（測試與示範用）
// ============================================================================

// Builder accumulates packets into a raw command list. It intentionally
// performs no validation: tests use it to produce both well-formed and
// malformed streams.
type Builder struct {
	buf []byte
}

// Bytes returns the accumulated command list
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) tag(t byte) *Builder {
	b.buf = append(b.buf, t)
	return b
}

func (b *Builder) u8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) u32(v uint32) *Builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

// Raw appends arbitrary bytes (for building malformed streams)
func (b *Builder) Raw(p ...byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// TileBinningModeConfig 組裝 binning 設定封包
func (b *Builder) TileBinningModeConfig(allocIdx, allocOff, allocSize, stateIdx uint32, wTiles, hTiles, flags uint8) *Builder {
	return b.tag(PacketTileBinningModeConfig).
		u32(allocIdx).u32(allocOff).u32(allocSize).u32(stateIdx).
		u8(wTiles).u8(hTiles).u8(flags)
}

// StartTileBinning 組裝開始 binning 標記封包
func (b *Builder) StartTileBinning() *Builder {
	return b.tag(PacketStartTileBinning)
}

// IncrementSemaphore 組裝 semaphore 遞增封包
func (b *Builder) IncrementSemaphore() *Builder {
	return b.tag(PacketIncrementSemaphore)
}

// Flush 組裝 flush 封包
func (b *Builder) Flush() *Builder {
	return b.tag(PacketFlush)
}

// GLShaderState 組裝 shader state 封包
func (b *Builder) GLShaderState(index, shaderIdx, uniformsIdx, uniformsOff uint32) *Builder {
	return b.tag(PacketGLShaderState).
		u32(index).u32(shaderIdx).u32(uniformsIdx).u32(uniformsOff)
}

// IndexedPrimList 組裝索引繪圖封包
func (b *Builder) IndexedPrimList(mode uint8, count, hindex, offset, maxIndex uint32) *Builder {
	return b.tag(PacketIndexedPrimList).
		u8(mode).u32(count).u32(hindex).u32(offset).u32(maxIndex)
}

// VertexArrayPrims 組裝非索引繪圖封包
func (b *Builder) VertexArrayPrims(mode uint8, count, first uint32) *Builder {
	return b.tag(PacketVertexArrayPrims).u8(mode).u32(count).u32(first)
}

// TileCoordinates 組裝 render 座標封包
func (b *Builder) TileCoordinates(x, y uint8) *Builder {
	return b.tag(PacketTileCoordinates).u8(x).u8(y)
}

// LoadTileBufferGeneral 組裝 tile buffer 讀取封包
func (b *Builder) LoadTileBufferGeneral(hindex, offset, length uint32) *Builder {
	return b.tag(PacketLoadTileBufferGeneral).u32(hindex).u32(offset).u32(length)
}

// StoreTileBufferGeneral 組裝 tile buffer 寫出封包
func (b *Builder) StoreTileBufferGeneral(hindex, offset, length uint32) *Builder {
	return b.tag(PacketStoreTileBufferGen).u32(hindex).u32(offset).u32(length)
}
