package pywatch

// OSThreadProbe determines whether a native thread is presently running on
// CPU. It is the out-of-scope, platform-specific collaborator described in
// §4.6; Linux/macOS/Windows-flavored implementations live in the
// threads_*.go files.
type OSThreadProbe interface {
	IsRunning(pid int, tid uint64) (StatusFlag, error)
}

// ThreadWalker enumerates and classifies the threads of one interpreter
// (C7), reading GIL-related flags through an Unwinder and deferring OS
// RUNNING/IDLE classification to an OSThreadProbe only when the profiling
// mode requires it.
type ThreadWalker struct {
	u     *Unwinder
	probe OSThreadProbe
	pid   int
}

func NewThreadWalker(u *Unwinder, probe OSThreadProbe, pid int) *ThreadWalker {
	return &ThreadWalker{u: u, probe: probe, pid: pid}
}

// rawThread is the subset of a foreign thread_state this package reads
// directly, before any OS probe is consulted.
type rawThread struct {
	addr        ptr
	threadID    uint64
	nativeID    uint64
	holdsGIL    bool
	gilRequested bool
	hasGILField  bool
	hasReqField  bool
}

func (w *ThreadWalker) readThread(addr ptr, freeThreaded bool) (rawThread, error) {
	ts := w.u.offsets.ThreadState
	threadID, err := w.u.readU64(addr + ptr(ts.Get("thread_id")))
	if err != nil {
		return rawThread{}, err
	}
	nativeID, err := w.u.readU64(addr + ptr(ts.Get("native_thread_id")))
	if err != nil {
		return rawThread{}, err
	}

	rt := rawThread{addr: addr, threadID: threadID, nativeID: nativeID}

	if off, ok := ts.Offsets["holds_gil"]; ok && !freeThreaded {
		v, err := w.u.readU8(addr + ptr(off))
		if err != nil {
			return rawThread{}, err
		}
		rt.holdsGIL = v != 0
		rt.hasGILField = true
	} else if off, ok := ts.Offsets["status_active"]; ok && freeThreaded {
		v, err := w.u.readU8(addr + ptr(off))
		if err != nil {
			return rawThread{}, err
		}
		rt.holdsGIL = v != 0
		rt.hasGILField = true
	}

	if off, ok := ts.Offsets["gil_requested"]; ok {
		v, err := w.u.readU8(addr + ptr(off))
		if err != nil {
			return rawThread{}, err
		}
		rt.gilRequested = v != 0
		rt.hasReqField = true
	}

	return rt, nil
}

// classify builds the status bitset for one thread: GIL-related bits from
// rt, an optional OS probe result, and the mutual-exclusion normalization
// required by the data model.
func (w *ThreadWalker) classify(rt rawThread, mode ProfilingMode) (StatusFlag, error) {
	var status StatusFlag
	if rt.hasGILField {
		if rt.holdsGIL {
			status |= HasGIL
		}
	} else {
		status |= Unknown
	}
	if rt.hasReqField && rt.gilRequested {
		status |= GILRequested
	}

	if mode.needsOSProbe() {
		if w.probe == nil {
			status |= Unknown
		} else {
			osStatus, err := w.probe.IsRunning(w.pid, rt.nativeID)
			if err != nil {
				status |= Unknown
			} else {
				status |= osStatus
			}
		}
	}

	return status.normalize(), nil
}

// Walk enumerates every thread in the linked list starting at head (the
// interpreter's threads.head or threads_main), returning the raw thread
// record and its status flags, as two parallel slices, for each thread that
// mode.skip does not drop. It does not unwind stacks;
// callers combine Walk's result with Unwinder.Unwind per thread.
func (w *ThreadWalker) Walk(head ptr, freeThreaded bool, mode ProfilingMode) ([]rawThread, []StatusFlag, error) {
	ts := w.u.offsets.ThreadState
	nextOff := ts.Get("next")

	var (
		threads []rawThread
		statii  []StatusFlag
	)

	cur := head
	const maxThreadsWalked = 1 << 16
	for i := 0; cur != 0; i++ {
		if i >= maxThreadsWalked {
			return nil, nil, errf(KindFrameChainBroken, "threads.Walk", "thread list exceeds %d entries", maxThreadsWalked)
		}
		rt, err := w.readThread(cur, freeThreaded)
		if err != nil {
			return nil, nil, err
		}
		status, err := w.classify(rt, mode)
		if err != nil {
			return nil, nil, err
		}
		if !mode.skip(status) {
			threads = append(threads, rt)
			statii = append(statii, status)
		}

		next, err := w.u.readPointer(cur + ptr(nextOff))
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}

	return threads, statii, nil
}
