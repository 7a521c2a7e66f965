package pywatch

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// frameTableEntry mirrors the on-disk frame table row, resolved to string
// indices (resolved to actual strings lazily by frameInfo).
type frameTableEntry struct {
	filenameIdx int
	qualnameIdx int
	lineno      int32
}

// readerThreadState is the per-thread state the replay loop maintains,
// mirroring the writer's but without the RLE pending buffer: decoding
// never needs to look ahead.
type readerThreadState struct {
	threadID     uint64
	interpID     uint32
	prevTS       uint64
	currentStack []uint32
}

// Reader replays a file written by Writer, invoking a Collector with
// reconstructed samples (C10).
type Reader struct {
	data []byte
	mmap bool
	f    *os.File

	startTimeUs      uint64
	sampleIntervalUs uint64
	totalSamples     uint32
	threadCount      uint32
	compression      uint32

	stringTableOff uint64
	frameTableOff  uint64
	stringCount    uint32
	frameCount     uint32

	strings []string
	frames  []frameTableEntry

	sampleRegion []byte
}

// OpenReader opens path, validating the header and footer and decompressing
// the sample region if necessary, but does not run the replay loop.
func OpenReader(path string) (*Reader, error) {
	const op = "reader.OpenReader"
	f, err := os.Open(path)
	if err != nil {
		return nil, errf(KindRemoteReadFailed, op, "%w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errf(KindRemoteReadFailed, op, "%w", err)
	}
	size := info.Size()
	if size < headerSize+footerSize {
		f.Close()
		return nil, errf(KindMalformedHeader, op, "file too small")
	}

	data, err := mmapFile(f, size)
	mapped := err == nil
	if err != nil {
		data, err = io.ReadAll(io.NewSectionReader(f, 0, size))
		if err != nil {
			f.Close()
			return nil, errf(KindRemoteReadFailed, op, "%w", err)
		}
	}

	r := &Reader{data: data, mmap: mapped, f: f}
	if err := r.parseHeaderAndFooter(size); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.prepareSampleRegion(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.parseTables(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeaderAndFooter(size int64) error {
	const op = "reader.parseHeaderAndFooter"
	hdr := r.data[:headerMeaningful]
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != fileMagic {
		return errf(KindMalformedHeader, op, "bad magic %#x", magic)
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != fileVersion {
		if version > fileVersion {
			return errf(KindUnsupportedFormatVersion, op, "file was made by a newer writer (v%d); this reader supports v%d", version, fileVersion)
		}
		return errf(KindUnsupportedFormatVersion, op, "unsupported version %d", version)
	}

	r.startTimeUs = binary.LittleEndian.Uint64(hdr[8:16])
	r.sampleIntervalUs = binary.LittleEndian.Uint64(hdr[16:24])
	r.totalSamples = binary.LittleEndian.Uint32(hdr[24:28])
	r.threadCount = binary.LittleEndian.Uint32(hdr[28:32])
	stringTableOff := binary.LittleEndian.Uint64(hdr[32:40])
	frameTableOff := binary.LittleEndian.Uint64(hdr[40:48])
	r.compression = binary.LittleEndian.Uint32(hdr[48:52])

	if stringTableOff > uint64(size) || frameTableOff > uint64(size) || stringTableOff > frameTableOff {
		return errf(KindMalformedHeader, op, "table offsets out of range")
	}

	r.stringTableOff = stringTableOff
	r.frameTableOff = frameTableOff

	footer := r.data[size-footerSize : size]
	r.stringCount = binary.LittleEndian.Uint32(footer[0:4])
	r.frameCount = binary.LittleEndian.Uint32(footer[4:8])
	fileSize := binary.LittleEndian.Uint64(footer[8:16])
	if fileSize != uint64(size) {
		return errf(KindMalformedHeader, op, "footer file_size %d does not match actual size %d", fileSize, size)
	}
	return nil
}

func (r *Reader) parseTables() error {
	const op = "reader.parseTables"
	sr := &byteSliceReader{buf: r.data[r.stringTableOff:r.frameTableOff]}
	for i := uint32(0); i < r.stringCount; i++ {
		n, err := readUvarint(sr)
		if err != nil {
			return err
		}
		if sr.pos+int(n) > len(sr.buf) {
			return errf(KindMalformedVarint, op, "string table entry exceeds table bounds")
		}
		r.strings = append(r.strings, string(sr.buf[sr.pos:sr.pos+int(n)]))
		sr.pos += int(n)
	}

	fend := len(r.data) - footerSize
	fr := &byteSliceReader{buf: r.data[r.frameTableOff:fend]}
	for i := uint32(0); i < r.frameCount; i++ {
		filenameIdx, err := readUvarint(fr)
		if err != nil {
			return err
		}
		qualnameIdx, err := readUvarint(fr)
		if err != nil {
			return err
		}
		lineno, err := readVarint(fr)
		if err != nil {
			return err
		}
		if int(filenameIdx) >= len(r.strings) || int(qualnameIdx) >= len(r.strings) {
			return errf(KindSizeOutOfRange, op, "frame table entry references unknown string")
		}
		r.frames = append(r.frames, frameTableEntry{filenameIdx: int(filenameIdx), qualnameIdx: int(qualnameIdx), lineno: int32(lineno)})
	}
	return nil
}

// prepareSampleRegion decompresses the sample region (if compressed) into a
// heap buffer, growing with doubling on exhaustion, and verifies the
// stream ended on a frame boundary.
func (r *Reader) prepareSampleRegion() error {
	const op = "reader.prepareSampleRegion"
	compressed := r.data[headerSize:r.stringTableOff]

	if r.compression == compressionNone {
		r.sampleRegion = compressed
		return nil
	}
	if r.compression != compressionZstd {
		return errf(KindUnsupportedFormatVersion, op, "unknown compression type %d", r.compression)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return errf(KindIncompleteCompression, op, "%w", err)
	}
	defer dec.Close()

	const initialCap = 1 << 20
	const maxCap = 1 << 30
	out := make([]byte, 0, initialCap)
	buf := make([]byte, 64*1024)

	if err := dec.Reset(&sliceReaderAt{buf: compressed}); err != nil {
		return errf(KindIncompleteCompression, op, "%w", err)
	}
	for {
		n, rerr := dec.Read(buf)
		if n > 0 {
			if len(out)+n > maxCap {
				return errf(KindSizeOutOfRange, op, "decompressed sample region exceeds %d bytes", maxCap)
			}
			out = append(out, buf[:n]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errf(KindIncompleteCompression, op, "%w", rerr)
		}
	}

	r.sampleRegion = out
	return nil
}

// sliceReaderAt adapts a byte slice to io.Reader for zstd.Decoder.Reset.
type sliceReaderAt struct {
	buf []byte
	pos int
}

func (s *sliceReaderAt) Read(p []byte) (int, error) {
	if s.pos >= len(s.buf) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += n
	return n, nil
}

// Close releases the reader's mapped memory or file handle.
func (r *Reader) Close() error {
	var err error
	if r.mmap && r.data != nil {
		err = munmapFile(r.data)
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Replay runs the replay loop over the sample region, invoking collect for
// every logical sample, grouping consecutive REPEAT entries with identical
// status into single batched callbacks.
func (r *Reader) Replay(collect Collector) error {
	const op = "reader.Replay"
	threads := make(map[uint64]*readerThreadState)

	sr := &byteSliceReader{buf: r.sampleRegion}
	for sr.pos < len(sr.buf) {
		if sr.pos+13 > len(sr.buf) {
			return errf(KindMalformedHeader, op, "truncated sample record prefix")
		}
		threadID := binary.LittleEndian.Uint64(sr.buf[sr.pos : sr.pos+8])
		interpID := binary.LittleEndian.Uint32(sr.buf[sr.pos+8 : sr.pos+12])
		encoding := sr.buf[sr.pos+12]
		sr.pos += 13

		st, ok := threads[threadID]
		if !ok {
			st = &readerThreadState{threadID: threadID, interpID: interpID, prevTS: r.startTimeUs}
			threads[threadID] = st
		}

		switch encoding {
		case encodingRepeat:
			if err := r.replayRepeat(sr, st, collect); err != nil {
				return err
			}
		case encodingFull:
			if err := r.replayFull(sr, st, collect); err != nil {
				return err
			}
		case encodingSuffix:
			if err := r.replaySuffix(sr, st, collect); err != nil {
				return err
			}
		case encodingPopPush:
			if err := r.replayPopPush(sr, st, collect); err != nil {
				return err
			}
		default:
			return errf(KindMalformedHeader, op, "unknown encoding %d", encoding)
		}
	}
	return nil
}

func (r *Reader) replayRepeat(sr *byteSliceReader, st *readerThreadState, collect Collector) error {
	const op = "reader.replayRepeat"
	count, err := readUvarint(sr)
	if err != nil {
		return err
	}
	remaining := uint64(len(sr.buf) - sr.pos)
	if count > remaining/2 {
		return errf(KindSizeOutOfRange, op, "REPEAT count %d implausible for %d remaining bytes", count, remaining)
	}

	var (
		batchTimestamps []uint64
		batchStatus     StatusFlag
		haveBatch       bool
	)
	flush := func() {
		if !haveBatch || len(batchTimestamps) == 0 {
			return
		}
		r.emit(st, batchStatus, batchTimestamps, collect)
		batchTimestamps = nil
		haveBatch = false
	}

	for i := uint64(0); i < count; i++ {
		delta, err := readUvarint(sr)
		if err != nil {
			return err
		}
		statusByte, err := sr.ReadByte()
		if err != nil {
			return errf(KindMalformedVarint, op, "%w", err)
		}
		status := StatusFlag(statusByte)
		st.prevTS += delta

		if haveBatch && status != batchStatus {
			flush()
		}
		batchStatus = status
		haveBatch = true
		batchTimestamps = append(batchTimestamps, st.prevTS)
	}
	flush()
	return nil
}

func (r *Reader) replayFull(sr *byteSliceReader, st *readerThreadState, collect Collector) error {
	const op = "reader.replayFull"
	delta, err := readUvarint(sr)
	if err != nil {
		return err
	}
	statusByte, err := sr.ReadByte()
	if err != nil {
		return errf(KindMalformedVarint, op, "%w", err)
	}
	depth, err := readUvarint(sr)
	if err != nil {
		return err
	}
	if depth > maxStackDepth {
		return errf(KindSizeOutOfRange, op, "depth %d exceeds max stack depth", depth)
	}
	stack := make([]uint32, depth)
	for i := range stack {
		idx, err := readUvarint(sr)
		if err != nil {
			return err
		}
		if int(idx) >= len(r.frames) {
			return errf(KindSizeOutOfRange, op, "frame index %d out of range", idx)
		}
		stack[i] = uint32(idx)
	}

	st.currentStack = stack
	st.prevTS += delta
	r.emit(st, StatusFlag(statusByte), []uint64{st.prevTS}, collect)
	return nil
}

func (r *Reader) replaySuffix(sr *byteSliceReader, st *readerThreadState, collect Collector) error {
	const op = "reader.replaySuffix"
	delta, err := readUvarint(sr)
	if err != nil {
		return err
	}
	statusByte, err := sr.ReadByte()
	if err != nil {
		return errf(KindMalformedVarint, op, "%w", err)
	}
	shared, err := readUvarint(sr)
	if err != nil {
		return err
	}
	newCount, err := readUvarint(sr)
	if err != nil {
		return err
	}
	if shared > uint64(len(st.currentStack)) {
		return errf(KindSizeOutOfRange, op, "shared count %d exceeds current depth", shared)
	}
	if shared+newCount > maxStackDepth {
		return errf(KindSizeOutOfRange, op, "resulting depth exceeds max stack depth")
	}

	newFrames := make([]uint32, newCount)
	for i := range newFrames {
		idx, err := readUvarint(sr)
		if err != nil {
			return err
		}
		if int(idx) >= len(r.frames) {
			return errf(KindSizeOutOfRange, op, "frame index %d out of range", idx)
		}
		newFrames[i] = uint32(idx)
	}

	kept := st.currentStack[len(st.currentStack)-int(shared):]
	st.currentStack = append(append([]uint32{}, newFrames...), kept...)
	st.prevTS += delta
	r.emit(st, StatusFlag(statusByte), []uint64{st.prevTS}, collect)
	return nil
}

func (r *Reader) replayPopPush(sr *byteSliceReader, st *readerThreadState, collect Collector) error {
	const op = "reader.replayPopPush"
	delta, err := readUvarint(sr)
	if err != nil {
		return err
	}
	statusByte, err := sr.ReadByte()
	if err != nil {
		return errf(KindMalformedVarint, op, "%w", err)
	}
	pop, err := readUvarint(sr)
	if err != nil {
		return err
	}
	push, err := readUvarint(sr)
	if err != nil {
		return err
	}
	if pop > uint64(len(st.currentStack)) {
		return errf(KindSizeOutOfRange, op, "pop count %d exceeds current depth", pop)
	}
	// pop removes the unshared top (innermost) frames; the shared bottom
	// is the tail of the current stack, matching the writer's bottom-up
	// shared count in compareStacks.
	bottom := st.currentStack[pop:]
	if push+uint64(len(bottom)) > maxStackDepth {
		return errf(KindSizeOutOfRange, op, "resulting depth exceeds max stack depth")
	}

	newFrames := make([]uint32, push)
	for i := range newFrames {
		idx, err := readUvarint(sr)
		if err != nil {
			return err
		}
		if int(idx) >= len(r.frames) {
			return errf(KindSizeOutOfRange, op, "frame index %d out of range", idx)
		}
		newFrames[i] = uint32(idx)
	}

	st.currentStack = append(append([]uint32{}, newFrames...), bottom...)
	st.prevTS += delta
	r.emit(st, StatusFlag(statusByte), []uint64{st.prevTS}, collect)
	return nil
}

func (r *Reader) frameInfo(idx uint32) FrameInfo {
	f := r.frames[idx]
	return FrameInfo{
		Kind:     FrameNormal,
		File:     r.strings[f.filenameIdx],
		Qualname: r.strings[f.qualnameIdx],
		Location: Location{Line: f.lineno, EndLine: f.lineno, Valid: true},
		Opcode:   -1,
	}
}

func (r *Reader) emit(st *readerThreadState, status StatusFlag, timestamps []uint64, collect Collector) {
	if collect == nil {
		return
	}
	frames := make([]FrameInfo, len(st.currentStack))
	for i, idx := range st.currentStack {
		frames[i] = r.frameInfo(idx)
	}
	ti := ThreadInfo{ThreadID: st.threadID, Status: status, Frames: frames}
	samples := make([]InterpreterInfo, len(timestamps))
	for i := range samples {
		samples[i] = InterpreterInfo{InterpreterID: st.interpID, Threads: []ThreadInfo{ti}}
	}
	collect.Collect(samples, timestamps)
}
