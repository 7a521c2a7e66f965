package pywatch

// maxAwaitedByNodes bounds the circular-linked-list and work-list
// traversals in this file so a corrupt or cyclic target cannot make the
// walker loop forever.
const maxAwaitedByNodes = 32768

// AsyncioWalker reads the asyncio task graph out of a target that has
// already had its AsyncioOffsets validated via Unwinder.EnableAsyncio.
type AsyncioWalker struct {
	u *Unwinder
}

func NewAsyncioWalker(u *Unwinder) (*AsyncioWalker, error) {
	if u.async == nil {
		return nil, errf(KindOffsetValidationFailed, "asyncio.NewAsyncioWalker", "asyncio offsets not enabled")
	}
	return &AsyncioWalker{u: u}, nil
}

// readTaskName reads a task's name string, defaulting to empty when the
// target stores no name.
func (w *AsyncioWalker) readTaskName(task ptr) (string, error) {
	off := w.u.async.AsyncioTaskObject.Get("task_name")
	if off == 0 {
		return "", nil
	}
	namePtr, err := w.u.readPointer(task + ptr(off))
	if err != nil {
		return "", err
	}
	if namePtr == 0 {
		return "", nil
	}
	lengthOff := w.u.offsets.UnicodeObject.Get("length")
	dataOff := w.u.offsets.UnicodeObject.Get("asciiof")
	return w.u.readString(namePtr, lengthOff, dataOff, maxStringLen)
}

// readTaskID reads a task's inline small-integer id.
func (w *AsyncioWalker) readTaskID(task ptr) (uint64, error) {
	off := w.u.async.AsyncioTaskObject.Get("task_id")
	if off == 0 {
		return uint64(task), nil // fall back to using the address as an identity
	}
	idPtr, err := w.u.readPointer(task + ptr(off))
	if err != nil {
		return 0, err
	}
	digitsOff := w.u.offsets.LongObject.Get("ob_digit")
	sizeOff := w.u.offsets.LongObject.Get("lv_tag")
	v, err := w.u.readSmallInt(idPtr, digitsOff, sizeOff)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// coroutineChain walks a task's gi_await chain, resolving each coroutine's
// embedded frame into a FrameInfo, innermost-first on return.
func (w *AsyncioWalker) coroutineChain(coro ptr) ([]FrameInfo, error) {
	const op = "asyncio.coroutineChain"
	genOff := w.u.offsets.GenObject
	frameStateOff := genOff.Get("frame_state")
	frameOff := genOff.Get("gi_iframe")
	awaitOff := genOff.Get("gi_await")
	typeOff := w.u.offsets.PyObject.Get("ob_type")

	var originalType ptr
	var chain []FrameInfo

	cur := coro
	for i := 0; cur != 0; i++ {
		if i >= maxAwaitedByNodes {
			return nil, errf(KindFrameChainBroken, op, "coroutine chain exceeds %d nodes", maxAwaitedByNodes)
		}

		state, err := w.u.readU8(cur + ptr(frameStateOff))
		if err != nil {
			return nil, err
		}
		const frameStateCleared = 4 // FRAME_CLEARED in the original source
		if state == frameStateCleared {
			break
		}

		typ, err := w.u.readPointer(cur + ptr(typeOff))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			originalType = typ
		} else if typ != originalType {
			break
		}

		rf, err := w.u.readFrameAt(cur+ptr(frameOff), nil)
		if err != nil {
			return nil, err
		}
		fi, err := w.u.resolveFrameInfo(rf)
		if err != nil {
			return nil, err
		}
		chain = append(chain, fi)

		next, err := w.u.readPointer(cur + ptr(awaitOff))
		if err != nil {
			return nil, err
		}
		cur = next
	}

	// Reverse so innermost-first order is preserved across nesting levels.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// awaitedBy resolves task_awaited_by, which is either a single task
// pointer or a set of task pointers distinguished by a flag on the task
// object, into the list of waiter tasks.
func (w *AsyncioWalker) awaitedBy(task ptr) ([]ptr, error) {
	off := w.u.async.AsyncioTaskObject
	isSetOff := off.Get("task_awaited_by_is_set")
	ptrOff := off.Get("task_awaited_by")

	isSet, err := w.u.readU8(task + ptr(isSetOff))
	if err != nil {
		return nil, err
	}
	if isSet == 0 {
		single, err := w.u.readPointer(task + ptr(ptrOff))
		if err != nil {
			return nil, err
		}
		if single == 0 {
			return nil, nil
		}
		return []ptr{single}, nil
	}

	setAddr, err := w.u.readPointer(task + ptr(ptrOff))
	if err != nil {
		return nil, err
	}
	setOff := w.u.offsets.SetObject
	slots, err := w.u.readSet(setAddr, setOff.Get("used"), setOff.Get("mask"), setOff.Get("table"))
	if err != nil {
		return nil, err
	}
	out := make([]ptr, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Key)
	}
	return out, nil
}

// TaskInfoFor builds the recursive TaskInfo for one task, descending into
// its awaited-by graph. It does not deduplicate visited tasks by identity:
// a cycle in a buggy target truncates at maxAwaitedByNodes rather than
// looping forever.
func (w *AsyncioWalker) TaskInfoFor(task ptr, budget *int) (TaskInfo, error) {
	const op = "asyncio.TaskInfoFor"
	if *budget <= 0 {
		return TaskInfo{}, errf(KindFrameChainBroken, op, "awaited-by traversal exceeded %d nodes", maxAwaitedByNodes)
	}
	*budget--

	id, err := w.readTaskID(task)
	if err != nil {
		return TaskInfo{}, err
	}
	name, err := w.readTaskName(task)
	if err != nil {
		return TaskInfo{}, err
	}

	coroOff := w.u.async.AsyncioTaskObject.Get("task_coro")
	coro, err := w.u.readPointer(task + ptr(coroOff))
	if err != nil {
		return TaskInfo{}, err
	}
	var stack []FrameInfo
	if coro != 0 {
		stack, err = w.coroutineChain(coro)
		if err != nil {
			return TaskInfo{}, err
		}
	}

	waiters, err := w.awaitedBy(task)
	if err != nil {
		return TaskInfo{}, err
	}
	children := make([]TaskInfo, 0, len(waiters))
	for _, waiter := range waiters {
		if *budget <= 0 {
			break
		}
		child, err := w.TaskInfoFor(waiter, budget)
		if err != nil {
			return TaskInfo{}, err
		}
		children = append(children, child)
	}

	return TaskInfo{
		TaskID:         id,
		TaskName:       name,
		CoroutineStack: stack,
		AwaitedBy:      children,
	}, nil
}

// AllAwaitedBy walks every thread's per-thread task list (a circular linked
// list of task nodes) and returns one TaskInfo per task, including its own
// awaited-by recursion.
func (w *AsyncioWalker) AllAwaitedBy(threadTaskListHeads []ptr) ([]TaskInfo, error) {
	const op = "asyncio.AllAwaitedBy"
	var out []TaskInfo
	nodeToTaskOff := w.u.async.AsyncioThreadState.Get("task_node_offset")

	for _, head := range threadTaskListHeads {
		if head == 0 {
			continue
		}
		budget := maxAwaitedByNodes
		cur := head
		for i := 0; i < maxAwaitedByNodes; i++ {
			task := cur - ptr(nodeToTaskOff)
			ti, err := w.TaskInfoFor(task, &budget)
			if err != nil {
				return nil, err
			}
			out = append(out, ti)

			next, err := w.u.readPointer(cur)
			if err != nil {
				return nil, err
			}
			if next == head || next == 0 {
				break
			}
			cur = next
			if i == maxAwaitedByNodes-1 {
				return nil, errf(KindFrameChainBroken, op, "thread task list exceeds %d nodes", maxAwaitedByNodes)
			}
		}
	}
	return out, nil
}

// CurrentThreadStack resolves the running task of one thread (if any) and
// builds its async stack trace: syncFrames, followed by the coroutine chain
// beneath it. syncFrames is prepended whole; taskCode is not used, so the
// synchronous frames are not cut off at the task boundary.
func (w *AsyncioWalker) CurrentThreadStack(runningLoop, runningTask ptr, syncFrames []FrameInfo, taskCode ptr) (*TaskInfo, error) {
	if runningLoop == 0 || runningTask == 0 {
		return nil, nil
	}

	budget := maxAwaitedByNodes
	ti, err := w.TaskInfoFor(runningTask, &budget)
	if err != nil {
		return nil, err
	}

	// Put the synchronous frames (innermost) ahead of the task's
	// coroutine chain.
	ti.CoroutineStack = append(append([]FrameInfo{}, syncFrames...), ti.CoroutineStack...)
	return &ti, nil
}
