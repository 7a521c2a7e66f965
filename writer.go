package pywatch

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	fileMagic        = 0x54414348 // "TACH"
	fileVersion      = 2
	headerSize       = 64 // zero-padded region; 52 bytes are meaningful
	headerMeaningful = 52
	footerSize       = 32

	compressionNone = 0
	compressionZstd = 1
)

const (
	encodingRepeat  = 0
	encodingFull    = 1
	encodingSuffix  = 2
	encodingPopPush = 3
)

const maxStackDepth = 256

type rleEntry struct {
	deltaUs uint64
	status  StatusFlag
}

type writerThreadState struct {
	threadID   uint64
	interpID   uint32
	prevTS     uint64
	prevStack  []uint32
	pendingRLE []rleEntry
	lastWasRepeatable bool
}

// frameKey identifies a frame table entry by its resolved (filename,
// qualname, lineno) triple, the same dedup key the original interner uses.
type frameKey struct {
	filenameIdx int
	qualnameIdx int
	lineno      int32
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// FlushThreshold sets how many buffered sample-region bytes accumulate
// before the writer flushes to the underlying stream, trading memory for
// fewer syscalls. The original binary_io writer/reader pair does not
// surface this as a public knob; it is exposed here as a supplement so
// long-running sessions can bound resident memory explicitly.
func FlushThreshold(bytes int) WriterOption {
	return func(w *Writer) {
		if bytes > 0 {
			w.flushThreshold = bytes
		}
	}
}

// WithCompression enables streaming ZSTD compression of the sample region.
func WithCompression(enabled bool) WriterOption {
	return func(w *Writer) { w.compress = enabled }
}

const defaultFlushThreshold = 64 * 1024

// Writer is the binary sample writer (C9): string/frame interning tables,
// per-thread delta state, and the two-pass file layout described by the
// binary file format.
type Writer struct {
	out io.WriteSeeker

	startTimeUs       uint64
	sampleIntervalUs  uint64
	totalSamples      uint32
	compress          bool
	flushThreshold    int

	threads map[uint64]*writerThreadState

	strings    map[string]int // value -> index
	stringList []string

	frames    map[frameKey]int
	frameList []frameKey

	sampleBuf *bufio.Writer
	zw        *zstd.Encoder
	threadSet map[uint64]bool
}

// NewWriter constructs a Writer over out, which must support Seek for the
// two-pass header rewrite.
func NewWriter(out io.WriteSeeker, startTimeUs, sampleIntervalUs uint64, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		out:              out,
		startTimeUs:      startTimeUs,
		sampleIntervalUs: sampleIntervalUs,
		flushThreshold:   defaultFlushThreshold,
		threads:          make(map[uint64]*writerThreadState),
		strings:          make(map[string]int),
		frames:           make(map[frameKey]int),
		threadSet:        make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := w.out.Write(make([]byte, headerSize)); err != nil {
		return nil, errf(KindRemoteReadFailed, "writer.NewWriter", "%w", err)
	}

	w.sampleBuf = bufio.NewWriterSize(out, w.flushThreshold)
	if w.compress {
		zw, err := zstd.NewWriter(w.sampleBuf)
		if err != nil {
			return nil, errf(KindIncompleteCompression, "writer.NewWriter", "%w", err)
		}
		w.zw = zw
	}

	return w, nil
}

func (w *Writer) sampleWriter() io.Writer {
	if w.zw != nil {
		return w.zw
	}
	return w.sampleBuf
}

func (w *Writer) internString(s string) int {
	if idx, ok := w.strings[s]; ok {
		return idx
	}
	idx := len(w.stringList)
	w.strings[s] = idx
	w.stringList = append(w.stringList, s)
	return idx
}

func (w *Writer) internFrame(filename, qualname string, lineno int32) int {
	key := frameKey{filenameIdx: w.internString(filename), qualnameIdx: w.internString(qualname), lineno: lineno}
	if idx, ok := w.frames[key]; ok {
		return idx
	}
	idx := len(w.frameList)
	w.frames[key] = idx
	w.frameList = append(w.frameList, key)
	return idx
}

func statusByte(s StatusFlag) uint8 { return uint8(s) & 0xf }

// compareResult is the outcome of comparing two stack vectors.
type compareResult int

const (
	cmpRepeat compareResult = iota
	cmpSuffix
	cmpPopPush
	cmpFull
)

// compareStacks classifies curr against prev per §4.9 step 4.
func compareStacks(prev, curr []uint32) (compareResult, int, int) {
	if len(prev) == len(curr) {
		identical := true
		for i := range prev {
			if prev[i] != curr[i] {
				identical = false
				break
			}
		}
		if identical {
			return cmpRepeat, 0, 0
		}
	}

	// SUFFIX: curr is prev with new frames pushed on top, i.e. prev is a
	// suffix of curr (frames are stored innermost-first, so "pushed on
	// top" means prepended).
	if len(curr) > len(prev) {
		newCount := len(curr) - len(prev)
		matches := true
		for i := 0; i < len(prev); i++ {
			if curr[newCount+i] != prev[i] {
				matches = false
				break
			}
		}
		if matches {
			return cmpSuffix, len(prev), newCount
		}
	}

	// POP_PUSH: some top frames changed but the bottom suffix shared at
	// least half of the new depth.
	shared := 0
	for shared < len(prev) && shared < len(curr) && prev[len(prev)-1-shared] == curr[len(curr)-1-shared] {
		shared++
	}
	if shared*2 >= len(curr) && shared > 0 {
		pop := len(prev) - shared
		push := len(curr) - shared
		return cmpPopPush, pop, push
	}

	return cmpFull, 0, 0
}

// WriteSample encodes one thread's sample at timestamp tUs, buffering it as
// a pending REPEAT run when the stack and repeatability allow, per §4.9
// step 5.
func (w *Writer) WriteSample(interpID uint32, threadID uint64, status StatusFlag, frames []FrameInfo, tUs uint64) error {
	st, ok := w.threads[threadID]
	if !ok {
		// Seed prevTS from the recording's global start, matching the
		// reader's readerThreadState initialization, so a thread whose
		// first sample lands after the recording started still decodes
		// to the right absolute timestamp from its first delta.
		st = &writerThreadState{threadID: threadID, interpID: interpID, prevTS: w.startTimeUs}
		w.threads[threadID] = st
	}
	delta := tUs - st.prevTS
	st.prevTS = tUs
	w.threadSet[threadID] = true

	curr := make([]uint32, 0, len(frames))
	for i := 0; i < len(frames) && i < maxStackDepth; i++ {
		f := frames[i]
		idx := w.internFrame(f.File, f.Qualname, f.Location.Line)
		curr = append(curr, uint32(idx))
	}

	cmp, a, b := compareStacks(st.prevStack, curr)

	if cmp == cmpRepeat && st.lastWasRepeatable {
		st.pendingRLE = append(st.pendingRLE, rleEntry{deltaUs: delta, status: status})
		return nil
	}

	if err := w.flushPendingRLE(st); err != nil {
		return err
	}

	switch cmp {
	case cmpRepeat:
		st.pendingRLE = append(st.pendingRLE, rleEntry{deltaUs: delta, status: status})
		st.lastWasRepeatable = true
		return nil
	case cmpSuffix:
		if err := w.writeCommonPrefix(st, encodingSuffix); err != nil {
			return err
		}
		buf := appendUvarint(nil, delta)
		buf = append(buf, statusByte(status))
		buf = appendUvarint(buf, uint64(a))
		buf = appendUvarint(buf, uint64(b))
		// The new frames are the prefix of curr (innermost-first; a SUFFIX
		// record's shared portion is curr's tail, matching prev exactly).
		for i := 0; i < b; i++ {
			buf = appendUvarint(buf, uint64(curr[i]))
		}
		if _, err := w.sampleWriter().Write(buf); err != nil {
			return errf(KindRemoteReadFailed, "writer.WriteSample", "%w", err)
		}
	case cmpPopPush:
		if err := w.writeCommonPrefix(st, encodingPopPush); err != nil {
			return err
		}
		buf := appendUvarint(nil, delta)
		buf = append(buf, statusByte(status))
		buf = appendUvarint(buf, uint64(a))
		buf = appendUvarint(buf, uint64(b))
		// The push frames are curr's prefix, per the same innermost-first
		// convention the SUFFIX case documents above.
		for i := 0; i < b; i++ {
			buf = appendUvarint(buf, uint64(curr[i]))
		}
		if _, err := w.sampleWriter().Write(buf); err != nil {
			return errf(KindRemoteReadFailed, "writer.WriteSample", "%w", err)
		}
	default: // cmpFull
		if err := w.writeCommonPrefix(st, encodingFull); err != nil {
			return err
		}
		buf := appendUvarint(nil, delta)
		buf = append(buf, statusByte(status))
		buf = appendUvarint(buf, uint64(len(curr)))
		for _, idx := range curr {
			buf = appendUvarint(buf, uint64(idx))
		}
		if _, err := w.sampleWriter().Write(buf); err != nil {
			return errf(KindRemoteReadFailed, "writer.WriteSample", "%w", err)
		}
	}

	st.prevStack = curr
	st.lastWasRepeatable = false
	w.totalSamples++
	return nil
}

func appendUvarint(buf []byte, v uint64) []byte { return writeUvarint(buf, v) }

func (w *Writer) writeCommonPrefix(st *writerThreadState, encoding uint8) error {
	var hdr [13]byte
	binary.LittleEndian.PutUint64(hdr[0:8], st.threadID)
	binary.LittleEndian.PutUint32(hdr[8:12], st.interpID)
	hdr[12] = encoding
	_, err := w.sampleWriter().Write(hdr[:])
	if err != nil {
		return errf(KindRemoteReadFailed, "writer.writeCommonPrefix", "%w", err)
	}
	return nil
}

// flushPendingRLE emits a buffered run of identical-stack samples as a
// single REPEAT record, if any are pending.
func (w *Writer) flushPendingRLE(st *writerThreadState) error {
	if len(st.pendingRLE) == 0 {
		return nil
	}
	if err := w.writeCommonPrefix(st, encodingRepeat); err != nil {
		return err
	}
	buf := appendUvarint(nil, uint64(len(st.pendingRLE)))
	for _, e := range st.pendingRLE {
		buf = appendUvarint(buf, e.deltaUs)
		buf = append(buf, statusByte(e.status))
	}
	if _, err := w.sampleWriter().Write(buf); err != nil {
		return errf(KindRemoteReadFailed, "writer.flushPendingRLE", "%w", err)
	}
	w.totalSamples += uint32(len(st.pendingRLE))
	st.pendingRLE = st.pendingRLE[:0]
	st.lastWasRepeatable = false
	return nil
}

// Close finalizes the file: flushes pending RLE for every thread, the
// compressor's final frame, the string and frame tables, the footer, and
// finally rewrites the real header at offset 0.
func (w *Writer) Close() error {
	const op = "writer.Close"
	for _, st := range w.threads {
		if err := w.flushPendingRLE(st); err != nil {
			return err
		}
	}

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return errf(KindIncompleteCompression, op, "%w", err)
		}
	}
	if err := w.sampleBuf.Flush(); err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}

	stringTableOff, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}
	tableBuf := bufio.NewWriter(w.out)
	for _, s := range w.stringList {
		b := appendUvarint(nil, uint64(len(s)))
		b = append(b, s...)
		if _, err := tableBuf.Write(b); err != nil {
			return errf(KindRemoteReadFailed, op, "%w", err)
		}
	}
	if err := tableBuf.Flush(); err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}

	frameTableOff, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}
	tableBuf = bufio.NewWriter(w.out)
	for _, f := range w.frameList {
		b := appendUvarint(nil, uint64(f.filenameIdx))
		b = appendUvarint(b, uint64(f.qualnameIdx))
		b = writeVarint(b, int64(f.lineno))
		if _, err := tableBuf.Write(b); err != nil {
			return errf(KindRemoteReadFailed, op, "%w", err)
		}
	}
	if err := tableBuf.Flush(); err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}

	endOff, err := w.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}
	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[0:4], uint32(len(w.stringList)))
	binary.LittleEndian.PutUint32(footer[4:8], uint32(len(w.frameList)))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(endOff+footerSize))
	if _, err := w.out.Write(footer[:]); err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}

	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}
	var hdr [headerMeaningful]byte
	binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], fileVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], w.startTimeUs)
	binary.LittleEndian.PutUint64(hdr[16:24], w.sampleIntervalUs)
	binary.LittleEndian.PutUint32(hdr[24:28], w.totalSamples)
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(len(w.threadSet)))
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(stringTableOff))
	binary.LittleEndian.PutUint64(hdr[40:48], uint64(frameTableOff))
	compressionType := uint32(compressionNone)
	if w.compress {
		compressionType = compressionZstd
	}
	binary.LittleEndian.PutUint32(hdr[48:52], compressionType)
	if _, err := w.out.Write(hdr[:]); err != nil {
		return errf(KindRemoteReadFailed, op, "%w", err)
	}

	return nil
}
