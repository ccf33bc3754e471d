// ============================================================================
// VidCore Command Validator - 不可信命令列表的安全驗證
// ============================================================================
//
// Package: internal/validate
// 文件: validate.go
// 功能: 逐封包驗證使用者提交的命令列表，改寫 BO 引用為實體位址
//
// 安全模型:
//   硬體沒有逐存取的記憶體保護，任何越界引用都會讓 GPU 讀寫到別人的
//   記憶體。因此所有 BO 引用必須在這裡完成三件事：
//   1. handle 表索引在範圍內
//   2. offset + 引用長度 <= BO 大小
//   3. 改寫為實體位址後才能進入硬體
//
// 狀態化文法:
//   命令列表不是獨立指令的串列。驗證器必須跨封包追蹤：
//   - shader state record 的數量與當前作用中的 record
//   - 繪圖封包引用的最大頂點索引（綁定到作用中的 record）
//   - binning 設定必須恰好一次、且在 start tile binning 之前
//   - render 列表的 tile 座標必須落在 binning 設定的範圍內
//
// 輸出:
//   驗證成功產出 ExecJob：驗證後的命令列表存放於新建的 exec BO，
//   並附上 bin/render 兩階段的進入與結束位址，可直接寫入硬體暫存器。
//   任何失敗都是整體拒絕，絕不部分執行。
//
// ============================================================================

package validate

import (
	"encoding/binary"
	"fmt"

	"github.com/ChuLiYu/vidcore/internal/bo"
	"github.com/ChuLiYu/vidcore/pkg/types"
)

// Limits 硬體上限，依硬體世代由設定檔提供
type Limits struct {
	MaxTilesX uint8
	MaxTilesY uint8
}

// ShaderStateRec 單一 shader state record 的驗證期狀態
type ShaderStateRec struct {
	Addr     uint32 // shader 的實體位址
	MaxIndex uint32 // 引用此 record 的繪圖封包中最大的頂點索引
}

// ExecJob 驗證成功的執行描述，排程器據此直接派發硬體
type ExecJob struct {
	Seqno types.Seqno // 入佇時由排程器配發

	// ExecBO 存放驗證後命令列表的 BO，任務完成後歸還
	ExecBO *bo.BufferObject

	// 兩個硬體階段的進入/結束位址
	CT0CA, CT0EA uint32 // binning
	CT1CA, CT1EA uint32 // rendering

	// BOs 任務引用的 BO。驗證時每筆已取得一個任務引用，
	// 完成時逐一釋放
	BOs []*bo.BufferObject

	// Unref 延後釋放清單：任務完成前不得歸還的額外 BO
	// （例如被換下的 binner 溢位記憶體）
	Unref []*bo.BufferObject

	BinTilesX, BinTilesY uint8
	ShaderState          []ShaderStateRec
}

// Validator 命令列表驗證器
type Validator struct {
	store  *bo.Store
	limits Limits
}

// New 建立驗證器
func New(store *bo.Store, limits Limits) *Validator {
	return &Validator{store: store, limits: limits}
}

// walkState 單次驗證的跨封包狀態
type walkState struct {
	job      *ExecJob
	boTable  []*bo.BufferObject
	declared uint32 // 呼叫端宣告的 shader record 數

	foundBinConfig bool
	foundStartBin  bool
	foundSemaphore bool

	current int // 作用中的 shader state record，-1 表示尚未設定
}

// Validate 驗證一次提交，成功回傳可直接派發的 ExecJob
//
// 成功時 ExecJob.BOs 的每個項目都已帶著一個任務引用（在解析 handle 的
// 同一臨界區內取得），完成後由排程器逐一釋放。失敗時不外洩任何中間
// 狀態：exec BO 被歸還、任務引用全數退還。
func (v *Validator) Validate(args types.SubmitArgs) (*ExecJob, error) {
	if len(args.BinCL) == 0 || len(args.RenderCL) == 0 {
		return nil, fmt.Errorf("%w: empty command list", ErrBadPacket)
	}

	// 宣告的 shader record 數以 bin 列表長度為上限：每筆 record 至少
	// 需要一個封包來引用。這個值來自不可信輸入，先驗證再配置。
	if args.ShaderRecCount > uint32(len(args.BinCL)) {
		return nil, fmt.Errorf("%w: declared %d, bin list %d bytes",
			ErrShaderRecCount, args.ShaderRecCount, len(args.BinCL))
	}

	// 解析 handle 表並逐筆取得任務引用；之後封包以索引引用。
	// 引用必須在解析的同一臨界區內取得，否則 handle 在驗證期間被
	// 釋放的話，BO 會在任務仍要使用時被回收。
	boTable := make([]*bo.BufferObject, len(args.BOHandles))
	for i, h := range args.BOHandles {
		obj, err := v.store.LookupRetain(h)
		if err != nil {
			v.releaseTable(boTable[:i])
			return nil, fmt.Errorf("%w: handle table entry %d", ErrBadHandleIndex, i)
		}
		boTable[i] = obj
	}

	binLen := uint32(len(args.BinCL))
	renderLen := uint32(len(args.RenderCL))

	execBO, err := v.store.Create(binLen + renderLen)
	if err != nil {
		v.releaseTable(boTable)
		return nil, err
	}
	copy(execBO.Mem(), args.BinCL)
	copy(execBO.Mem()[binLen:], args.RenderCL)

	job := &ExecJob{
		ExecBO:      execBO,
		BOs:         boTable,
		CT0CA:       execBO.Paddr(),
		CT0EA:       execBO.Paddr() + binLen,
		CT1CA:       execBO.Paddr() + binLen,
		CT1EA:       execBO.Paddr() + binLen + renderLen,
		ShaderState: make([]ShaderStateRec, args.ShaderRecCount),
	}

	st := &walkState{
		job:      job,
		boTable:  boTable,
		declared: args.ShaderRecCount,
		current:  -1,
	}

	if err := v.walkBin(st, execBO.Mem()[:binLen]); err != nil {
		v.rejectJob(job)
		return nil, err
	}
	if err := v.walkRender(st, execBO.Mem()[binLen:binLen+renderLen]); err != nil {
		v.rejectJob(job)
		return nil, err
	}

	return job, nil
}

// releaseTable 退還驗證期間取得的任務引用（拒絕路徑）
func (v *Validator) releaseTable(table []*bo.BufferObject) {
	for _, b := range table {
		v.store.Release(b)
	}
}

// rejectJob 歸還 exec BO 與全部任務引用
func (v *Validator) rejectJob(job *ExecJob) {
	v.store.FreeHandle(job.ExecBO.Handle())
	v.releaseTable(job.BOs)
}

// walkBin 驗證 binning 命令列表（原地改寫 BO 引用）
func (v *Validator) walkBin(st *walkState, cl []byte) error {
	lastTag := byte(PacketHalt)
	pos := 0
	for pos < len(cl) {
		tag := cl[pos]
		size, ok := payloadSize[tag]
		if !ok {
			return fmt.Errorf("%w: unknown tag %d at offset %d", ErrBadPacket, tag, pos)
		}
		if pos+1+size > len(cl) {
			return fmt.Errorf("%w: truncated tag %d at offset %d", ErrBadPacket, tag, pos)
		}
		payload := cl[pos+1 : pos+1+size]

		var err error
		switch tag {
		case PacketHalt, PacketNop, PacketFlush:
			// 無狀態封包
		case PacketTileBinningModeConfig:
			err = v.validateBinConfig(st, payload)
		case PacketStartTileBinning:
			err = v.validateStartBinning(st)
		case PacketIncrementSemaphore:
			if st.foundSemaphore {
				err = fmt.Errorf("%w: increment semaphore", ErrDuplicateStructure)
			}
			st.foundSemaphore = true
		case PacketGLShaderState:
			err = v.validateShaderState(st, payload)
		case PacketIndexedPrimList:
			err = v.validateIndexedPrims(st, payload)
		case PacketVertexArrayPrims:
			err = v.validateArrayPrims(st, payload)
		default:
			// render 專用封包不得出現在 bin 列表
			err = fmt.Errorf("%w: tag %d not allowed in bin list", ErrBadPacket, tag)
		}
		if err != nil {
			return err
		}

		lastTag = tag
		pos += 1 + size
	}

	if !st.foundBinConfig {
		return fmt.Errorf("%w: tile binning mode config", ErrMissingStructure)
	}
	if !st.foundStartBin {
		return fmt.Errorf("%w: start tile binning", ErrMissingStructure)
	}
	if !st.foundSemaphore {
		return fmt.Errorf("%w: increment semaphore", ErrMissingStructure)
	}
	if lastTag != PacketFlush {
		return fmt.Errorf("%w: bin list must end with flush", ErrMissingStructure)
	}
	return nil
}

// walkRender 驗證 rendering 命令列表
func (v *Validator) walkRender(st *walkState, cl []byte) error {
	pos := 0
	for pos < len(cl) {
		tag := cl[pos]
		size, ok := payloadSize[tag]
		if !ok {
			return fmt.Errorf("%w: unknown tag %d at offset %d", ErrBadPacket, tag, pos)
		}
		if pos+1+size > len(cl) {
			return fmt.Errorf("%w: truncated tag %d at offset %d", ErrBadPacket, tag, pos)
		}
		payload := cl[pos+1 : pos+1+size]

		var err error
		switch tag {
		case PacketHalt, PacketNop, PacketFlush:
		case PacketTileCoordinates:
			x, y := payload[0], payload[1]
			if x >= st.job.BinTilesX || y >= st.job.BinTilesY {
				err = fmt.Errorf("%w: tile coordinates (%d,%d) outside %dx%d",
					ErrTileBounds, x, y, st.job.BinTilesX, st.job.BinTilesY)
			}
		case PacketLoadTileBufferGeneral, PacketStoreTileBufferGen:
			err = v.validateTileBufferRef(st, payload)
		default:
			err = fmt.Errorf("%w: tag %d not allowed in render list", ErrBadPacket, tag)
		}
		if err != nil {
			return err
		}

		pos += 1 + size
	}
	return nil
}

// ============================================================================
// 封包處理器
// ============================================================================

// validateBinConfig 處理 tile binning 設定封包：恰好一次、tile 上限、
// tile alloc / tile state BO 的空間檢查與位址改寫
func (v *Validator) validateBinConfig(st *walkState, p []byte) error {
	if st.foundBinConfig {
		return fmt.Errorf("%w: tile binning mode config", ErrDuplicateStructure)
	}
	if st.foundStartBin {
		return fmt.Errorf("%w: config after start tile binning", ErrBadPacket)
	}
	st.foundBinConfig = true

	allocOff := binary.LittleEndian.Uint32(p[4:])
	allocSize := binary.LittleEndian.Uint32(p[8:])
	wTiles := p[16]
	hTiles := p[17]

	if wTiles == 0 || hTiles == 0 {
		return fmt.Errorf("%w: zero tile dimensions", ErrTileBounds)
	}
	if wTiles > v.limits.MaxTilesX || hTiles > v.limits.MaxTilesY {
		return fmt.Errorf("%w: %dx%d exceeds %dx%d",
			ErrTileBounds, wTiles, hTiles, v.limits.MaxTilesX, v.limits.MaxTilesY)
	}
	tiles := uint32(wTiles) * uint32(hTiles)

	allocBO, err := st.useBO(binary.LittleEndian.Uint32(p[0:]))
	if err != nil {
		return err
	}
	if err := checkBounds(allocBO, allocOff, allocSize); err != nil {
		return err
	}
	if allocSize < tiles*tileAllocBytesPerTile {
		return fmt.Errorf("%w: tile alloc %d bytes < %d required",
			ErrBufferBounds, allocSize, tiles*tileAllocBytesPerTile)
	}

	stateBO, err := st.useBO(binary.LittleEndian.Uint32(p[12:]))
	if err != nil {
		return err
	}
	if err := checkBounds(stateBO, 0, tiles*tileStateBytesPerTile); err != nil {
		return err
	}

	// 改寫為實體位址
	binary.LittleEndian.PutUint32(p[0:], allocBO.Paddr()+allocOff)
	binary.LittleEndian.PutUint32(p[12:], stateBO.Paddr())

	st.job.BinTilesX = wTiles
	st.job.BinTilesY = hTiles
	return nil
}

// validateStartBinning start tile binning 必須恰好一次，且在設定封包之後
func (v *Validator) validateStartBinning(st *walkState) error {
	if !st.foundBinConfig {
		return fmt.Errorf("%w: start before tile binning mode config", ErrBadPacket)
	}
	if st.foundStartBin {
		return fmt.Errorf("%w: start tile binning", ErrDuplicateStructure)
	}
	st.foundStartBin = true
	return nil
}

// validateShaderState 處理 shader state 封包：record 索引範圍、shader BO
// 必須帶驗證中繼資料且未曾 dma 匯出、uniform 空間檢查
func (v *Validator) validateShaderState(st *walkState, p []byte) error {
	index := binary.LittleEndian.Uint32(p[0:])
	if index >= st.declared {
		return fmt.Errorf("%w: record %d of %d declared", ErrShaderIndex, index, st.declared)
	}

	shaderBO, err := st.useBO(binary.LittleEndian.Uint32(p[4:]))
	if err != nil {
		return err
	}
	vs := shaderBO.ValidatedShader()
	if vs == nil {
		return fmt.Errorf("%w: BO %d is not a shader", ErrBadShader, shaderBO.Handle())
	}
	if shaderBO.DMAExported() {
		// 匯出過的記憶體可能被外部改寫，驗證結果不再可信
		return fmt.Errorf("%w: dma-exported BO used as shader", ErrBadShader)
	}

	uniformsBO, err := st.useBO(binary.LittleEndian.Uint32(p[8:]))
	if err != nil {
		return err
	}
	uniformsOff := binary.LittleEndian.Uint32(p[12:])
	if err := checkBounds(uniformsBO, uniformsOff, vs.UniformsSize); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(p[4:], shaderBO.Paddr())
	binary.LittleEndian.PutUint32(p[8:], uniformsBO.Paddr()+uniformsOff)

	st.job.ShaderState[index].Addr = shaderBO.Paddr()
	st.current = int(index)
	return nil
}

// validateIndexedPrims 處理索引繪圖封包：索引緩衝區空間檢查與最大頂點
// 索引記錄（綁定到作用中的 shader record）
func (v *Validator) validateIndexedPrims(st *walkState, p []byte) error {
	if st.current < 0 {
		return ErrNoShaderState
	}

	count := binary.LittleEndian.Uint32(p[1:])
	offset := binary.LittleEndian.Uint32(p[9:])
	maxIndex := binary.LittleEndian.Uint32(p[13:])

	indexBO, err := st.useBO(binary.LittleEndian.Uint32(p[5:]))
	if err != nil {
		return err
	}
	// 16-bit 索引，每個 2 位元組
	if err := checkBounds(indexBO, offset, count*2); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(p[5:], indexBO.Paddr()+offset)

	if maxIndex > st.job.ShaderState[st.current].MaxIndex {
		st.job.ShaderState[st.current].MaxIndex = maxIndex
	}
	return nil
}

// validateArrayPrims 非索引繪圖：只需確認已有作用中的 shader record
func (v *Validator) validateArrayPrims(st *walkState, p []byte) error {
	if st.current < 0 {
		return ErrNoShaderState
	}

	count := binary.LittleEndian.Uint32(p[1:])
	first := binary.LittleEndian.Uint32(p[5:])
	top := first + count
	if count > 0 && top-1 > st.job.ShaderState[st.current].MaxIndex {
		st.job.ShaderState[st.current].MaxIndex = top - 1
	}
	return nil
}

// validateTileBufferRef 處理 render 階段的 tile buffer 讀寫封包
func (v *Validator) validateTileBufferRef(st *walkState, p []byte) error {
	offset := binary.LittleEndian.Uint32(p[4:])
	length := binary.LittleEndian.Uint32(p[8:])

	obj, err := st.useBO(binary.LittleEndian.Uint32(p[0:]))
	if err != nil {
		return err
	}
	if err := checkBounds(obj, offset, length); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(p[0:], obj.Paddr()+offset)
	return nil
}

// ============================================================================
// 共用檢查
// ============================================================================

// useBO 以 handle 表索引解析 BO
func (st *walkState) useBO(hindex uint32) (*bo.BufferObject, error) {
	if hindex >= uint32(len(st.boTable)) {
		return nil, fmt.Errorf("%w: index %d, table size %d",
			ErrBadHandleIndex, hindex, len(st.boTable))
	}
	return st.boTable[hindex], nil
}

// checkBounds 核心安全檢查：offset + length 不得超出 BO 尾端，
// 加法溢位同樣視為越界
func checkBounds(obj *bo.BufferObject, offset, length uint32) error {
	end := offset + length
	if end < offset || end > obj.Size() {
		return fmt.Errorf("%w: offset %d + length %d > size %d",
			ErrBufferBounds, offset, length, obj.Size())
	}
	return nil
}
