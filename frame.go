package pywatch

// maxFramesPerUnwind is the safety cap on how many frames a single unwind
// walks before giving up, independent of any cache short-circuiting.
const maxFramesPerUnwind = 1024

// maxStackChunks bounds how many chunks the stack-chunk snapshot will
// follow before concluding the chunk list itself is corrupt.
const maxStackChunks = 1024

const defaultStackChunkSize = 16 * 1024

// Frame ownership tags read from the foreign frame struct. Any value other
// than these three is rejected with UnhandledFrameOwner.
const (
	frameOwnerThread      = 0
	frameOwnerGenerator   = 1
	frameOwnerInterpreter = 2
)

// stackChunk is a local copy of one node of the target's data-stack chunk
// linked list, used to resolve a frame address to its in-place bytes
// without an extra remote read when possible.
type stackChunk struct {
	remoteAddr ptr
	size       uint64
	data       []byte
}

func (c stackChunk) contains(addr ptr, headerSize uint64) bool {
	lo := uint64(c.remoteAddr) + headerSize
	hi := uint64(c.remoteAddr) + c.size
	a := uint64(addr)
	return a >= lo && a < hi
}

// snapshotStackChunks follows datastack_chunk -> previous -> ... reading
// each chunk's header first at the default size, then rereading at the
// chunk-reported size if it differs.
func (u *Unwinder) snapshotStackChunks(head ptr) ([]stackChunk, error) {
	const op = "frame.snapshotStackChunks"
	var chunks []stackChunk
	sizeOff := u.offsets.InterpreterFrame.Get("chunk_size")
	prevOff := u.offsets.InterpreterFrame.Get("chunk_previous")

	cur := head
	for i := 0; cur != 0; i++ {
		if i >= maxStackChunks {
			return nil, errf(KindFrameChainBroken, op, "stack chunk list exceeds %d entries", maxStackChunks)
		}

		raw, err := u.gw.Read(uint64(cur), defaultStackChunkSize)
		if err != nil {
			return nil, errf(KindRemoteReadFailed, op, "%w", err)
		}
		size, err := u.readU64(cur + ptr(sizeOff))
		if err != nil {
			return nil, err
		}
		if size != defaultStackChunkSize {
			raw, err = u.gw.Read(uint64(cur), int(size))
			if err != nil {
				return nil, errf(KindRemoteReadFailed, op, "%w", err)
			}
		}
		chunks = append(chunks, stackChunk{remoteAddr: cur, size: size, data: raw})

		prev, err := u.readPointer(cur + ptr(prevOff))
		if err != nil {
			return nil, err
		}
		cur = prev
	}
	return chunks, nil
}

// rawFrame is the decoded foreign interpreter-frame fields needed to
// continue walking and to resolve one FrameInfo.
type rawFrame struct {
	addr     ptr
	previous ptr
	owner    uint8
	executable ptr
	instrPtr   uint64
}

func (u *Unwinder) readFrameAt(addr ptr, chunks []stackChunk) (rawFrame, error) {
	const op = "frame.readFrameAt"
	headerSize := u.offsets.InterpreterFrame.Get("chunk_header_size")
	prevOff := u.offsets.InterpreterFrame.Get("previous")
	ownerOff := u.offsets.InterpreterFrame.Get("owner")
	execOff := u.offsets.InterpreterFrame.Get("executable")
	instrOff := u.offsets.InterpreterFrame.Get("instr_ptr")
	frameSize := u.offsets.InterpreterFrame.Size

	var raw []byte
	for _, c := range chunks {
		if c.contains(addr, headerSize) {
			start := uint64(addr) - uint64(c.remoteAddr)
			if start+frameSize > uint64(len(c.data)) {
				break
			}
			raw = c.data[start : start+frameSize]
			break
		}
	}

	readField := func(off uint64, size int) (uint64, error) {
		if raw != nil {
			if off+uint64(size) > uint64(len(raw)) {
				return 0, errf(KindFrameChainBroken, op, "field at %d exceeds in-place frame copy", off)
			}
			var v uint64
			for i := 0; i < size; i++ {
				v |= uint64(raw[off+uint64(i)]) << (8 * i)
			}
			return v, nil
		}
		b, err := u.gw.Read(uint64(addr)+off, size)
		if err != nil {
			return 0, errf(KindRemoteReadFailed, op, "%w", err)
		}
		var v uint64
		for i, x := range b {
			v |= uint64(x) << (8 * i)
		}
		return v, nil
	}

	prev, err := readField(prevOff, 8)
	if err != nil {
		return rawFrame{}, err
	}
	owner, err := readField(ownerOff, 1)
	if err != nil {
		return rawFrame{}, err
	}
	exec, err := readField(execOff, 8)
	if err != nil {
		return rawFrame{}, err
	}
	instr, err := readField(instrOff, 8)
	if err != nil {
		return rawFrame{}, err
	}

	return rawFrame{
		addr:       addr,
		previous:   ptr(prev &^ 1),
		owner:      uint8(owner),
		executable: ptr(exec &^ 1),
		instrPtr:   instr,
	}, nil
}

// resolveFrameInfo turns a raw frame's executable/instruction pointer pair
// into a FrameInfo via the code cache and line-table decoder.
func (u *Unwinder) resolveFrameInfo(rf rawFrame) (FrameInfo, error) {
	codeOff := u.offsets.CodeObject
	meta, err := u.resolveCode(
		u.maskCodeAddr(rf.executable),
		codeOff.Get("filename"),
		codeOff.Get("qualname"),
		codeOff.Get("firstlineno"),
		codeOff.Get("linetable"),
		codeOff.Get("linetable_size"),
		codeOff.Get("co_code_adaptive"),
	)
	if err != nil {
		return FrameInfo{}, err
	}

	quanta := (int64(rf.instrPtr) - int64(meta.AdaptiveCodeBase)) / 2
	loc, err := decodeLineTable(meta.LineTable, meta.FirstLine, quanta)
	if err != nil {
		return FrameInfo{}, err
	}

	return FrameInfo{
		Kind:     FrameNormal,
		File:     meta.Filename,
		Qualname: meta.Qualname,
		Location: loc,
		Opcode:   -1,
	}, nil
}

// walkOptions bundles the per-unwind inputs described in §4.4: the initial
// frame address, an optional GC frame marker, and an optional
// last-observed frame address at which walkFrames stops. Unwind leaves
// stopAt zero, so its walks run to the configured cap or chain end and it
// splices any cached suffix afterwards (see Unwind below).
type walkOptions struct {
	top            ptr
	gcFrame        ptr
	emitNative     bool
	stopAt         ptr
}

// walkFrames performs the raw frame-chain walk from §4.4 steps 1-4,6,
// without consulting or updating the continuation cache.
func (u *Unwinder) walkFrames(datastackHead ptr, opts walkOptions) ([]ptr, []FrameInfo, error) {
	const op = "frame.walkFrames"

	chunks, err := u.snapshotStackChunks(datastackHead)
	if err != nil {
		return nil, nil, err
	}

	var (
		addrs  []ptr
		frames []FrameInfo
	)

	cur := opts.top
	for len(frames) < u.maxFrames && len(frames) < maxFramesPerUnwind {
		if cur == 0 || cur == opts.stopAt {
			break
		}

		rf, err := u.readFrameAt(cur, chunks)
		if err != nil {
			return nil, nil, err
		}

		switch rf.owner {
		case frameOwnerInterpreter:
			if opts.emitNative && cur == opts.gcFrame {
				addrs = append(addrs, cur)
				frames = append(frames, gcFrame())
			} else if opts.emitNative && rf.previous != opts.gcFrame {
				addrs = append(addrs, cur)
				frames = append(frames, nativeFrame())
			}
			cur = rf.previous
			continue
		case frameOwnerThread, frameOwnerGenerator:
			var fi FrameInfo
			if cur == opts.gcFrame {
				fi = gcFrame()
			} else {
				fi, err = u.resolveFrameInfo(rf)
				if err != nil {
					return nil, nil, err
				}
			}
			addrs = append(addrs, cur)
			frames = append(frames, fi)
		default:
			return nil, nil, errf(KindUnhandledFrameOwner, op, "owner %d at %s", rf.owner, cur)
		}

		if rf.previous != 0 {
			verify, err := u.readFrameAt(rf.previous, chunks)
			if err == nil && verify.addr != rf.previous {
				return nil, nil, errf(KindFrameChainBroken, op, "frame at %s does not self-identify", rf.previous)
			}
		}

		cur = rf.previous
	}

	if len(frames) == 0 {
		return nil, nil, errf(KindInitialFrameParseFailed, op, "no valid frames from %s", opts.top)
	}
	return addrs, frames, nil
}

// Unwind resolves the full call stack for one thread, consulting and
// updating the frame continuation cache (C6) as described in §4.5.
func (u *Unwinder) Unwind(threadID uint64, datastackHead, top, gcFrame ptr, emitNative bool) ([]FrameInfo, error) {
	if frames, ok := u.frames.fullHit(threadID, top); ok {
		return frames, nil
	}

	addrs, frames, err := u.walkFrames(datastackHead, walkOptions{
		top:        top,
		gcFrame:    gcFrame,
		emitNative: emitNative,
	})
	if err != nil {
		return nil, err
	}

	// Splice in any cached suffix: if the last walked address appears in
	// the cache with more cached frames below it, replace the last walked
	// frame with the cached tail starting at that address.
	if len(addrs) > 0 {
		if suffix, ok := u.frames.partialHit(threadID, addrs[len(addrs)-1]); ok && len(suffix) > 1 {
			frames = append(frames[:len(frames)-1], suffix...)
		}
	}

	u.frames.store(threadID, addrs, frames)
	return frames, nil
}
