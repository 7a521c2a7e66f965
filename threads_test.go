package pywatch

import "testing"

type fakeThreadProbe struct {
	running map[uint64]bool
	err     error
}

func (p *fakeThreadProbe) IsRunning(pid int, tid uint64) (StatusFlag, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.running[tid] {
		return OnCPU, nil
	}
	return 0, nil
}

func threadOffsets() StructOffsets {
	return StructOffsets{Offsets: map[string]uint64{
		"thread_id": 0, "native_thread_id": 8, "next": 16,
		"holds_gil": 24, "gil_requested": 25,
	}}
}

func TestThreadWalkerWalksLinkedList(t *testing.T) {
	fp := newFakeProcess(4096)
	const (
		t1 = 0x100
		t2 = 0x200
	)
	fp.putU64(t1+0, 11)
	fp.putU64(t1+8, 11)
	fp.putU64(t1+16, t2)
	fp.mem[t1+24] = 1 // holds_gil

	fp.putU64(t2+0, 22)
	fp.putU64(t2+8, 22)
	fp.putU64(t2+16, 0)
	fp.mem[t2+24] = 0

	u := newTestUnwinder(fp)
	u.offsets.ThreadState = threadOffsets()
	w := NewThreadWalker(u, nil, 1)

	threads, statii, err := w.Walk(t1, false, ModeWall)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}
	if threads[0].threadID != 11 || threads[1].threadID != 22 {
		t.Errorf("thread ids = %d, %d, want 11, 22", threads[0].threadID, threads[1].threadID)
	}
	if statii[0]&HasGIL == 0 {
		t.Errorf("thread 11 status = %v, want HasGIL set", statii[0])
	}
	if statii[1]&HasGIL != 0 {
		t.Errorf("thread 22 status = %v, want HasGIL clear", statii[1])
	}
}

func TestThreadWalkerModeCPUSkipsIdleThreads(t *testing.T) {
	fp := newFakeProcess(4096)
	const t1 = 0x100
	fp.putU64(t1+0, 11)
	fp.putU64(t1+8, 11)
	fp.putU64(t1+16, 0)

	u := newTestUnwinder(fp)
	u.offsets.ThreadState = threadOffsets()
	probe := &fakeThreadProbe{running: map[uint64]bool{}}
	w := NewThreadWalker(u, probe, 1)

	threads, _, err := w.Walk(t1, false, ModeCPU)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 0 {
		t.Errorf("got %d threads, want 0 (idle thread skipped in ModeCPU)", len(threads))
	}
}

func TestThreadWalkerModeCPUKeepsRunningThreads(t *testing.T) {
	fp := newFakeProcess(4096)
	const t1 = 0x100
	fp.putU64(t1+0, 11)
	fp.putU64(t1+8, 11)
	fp.putU64(t1+16, 0)

	u := newTestUnwinder(fp)
	u.offsets.ThreadState = threadOffsets()
	probe := &fakeThreadProbe{running: map[uint64]bool{11: true}}
	w := NewThreadWalker(u, probe, 1)

	threads, statii, err := w.Walk(t1, false, ModeCPU)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	if statii[0]&OnCPU == 0 {
		t.Errorf("status = %v, want OnCPU set", statii[0])
	}
}

func TestClassifyNormalizesHasGILOverGILRequested(t *testing.T) {
	fp := newFakeProcess(4096)
	u := newTestUnwinder(fp)
	u.offsets.ThreadState = threadOffsets()
	w := NewThreadWalker(u, nil, 1)

	status, err := w.classify(rawThread{holdsGIL: true, hasGILField: true, gilRequested: true, hasReqField: true}, ModeWall)
	if err != nil {
		t.Fatal(err)
	}
	if status&HasGIL == 0 {
		t.Error("expected HasGIL set")
	}
	if status&GILRequested != 0 {
		t.Error("expected GILRequested cleared when HasGIL is set")
	}
}
