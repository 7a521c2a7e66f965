package pywatch

import (
	"context"
	"testing"
	"time"
)

// buildSingleFrameTarget lays out one interpreter with one thread with one
// resolvable frame in fp's memory, returning the Session ready to sample it.
// The memory layout mirrors the real field names (interpreters_head,
// threads_head, datastack_chunk, current_frame, ...) at addresses chosen
// only for this test, not to resemble any real CPython build.
func buildSingleFrameTarget(t *testing.T) (*fakeProcess, DebugOffsets) {
	t.Helper()
	fp := newFakeProcess(64 * 1024)

	const (
		runtimeAddr = 0x1000
		interpAddr  = 0x2000
		threadAddr  = 0x3000
		chunkAddr   = 0x5000
		frameAddr   = chunkAddr + 16 // chunk_header_size
		codeAddr    = 0x6000
		filenameObj = 0x7000
		qualnameObj = 0x7100
	)

	fp.putU64(runtimeAddr+8, interpAddr) // interpreters_head

	fp.putU64(interpAddr+0, 7)           // id
	fp.putU64(interpAddr+8, threadAddr)  // threads_head
	fp.putU64(interpAddr+16, 0)          // next

	fp.putU64(threadAddr+0, 555)      // thread_id
	fp.putU64(threadAddr+8, 555)      // native_thread_id
	fp.putU64(threadAddr+16, 0)       // next
	fp.putU64(threadAddr+24, chunkAddr)
	fp.putU64(threadAddr+32, frameAddr)

	fp.putU64(chunkAddr+0, defaultStackChunkSize) // chunk_size
	fp.putU64(chunkAddr+8, 0)                     // chunk_previous

	fp.putU64(frameAddr+0, 0) // previous: single frame, chain ends here
	fp.mem[frameAddr+8] = frameOwnerThread
	fp.putU64(frameAddr+16, codeAddr)        // executable
	fp.putU64(frameAddr+24, codeAddr+40)     // instr_ptr == AdaptiveCodeBase, quanta 0

	fp.putU64(codeAddr+0, filenameObj)
	fp.putU64(codeAddr+8, qualnameObj)
	fp.putU32(codeAddr+16, 100) // firstlineno
	lineTable := []byte{0x68, 0x00, 0x69, 0x02, 0x00}
	fp.putU32(codeAddr+32, uint32(len(lineTable))) // linetable_size
	copy(fp.mem[codeAddr+48:], lineTable)          // linetable

	fp.putU32(filenameObj+0, uint32(len("mod.py")))
	copy(fp.mem[filenameObj+16:], "mod.py")
	fp.putU32(qualnameObj+0, uint32(len("f_a")))
	copy(fp.mem[qualnameObj+16:], "f_a")

	offsets := DebugOffsets{
		RuntimeState: StructOffsets{Offsets: map[string]uint64{"interpreters_head": 8}},
		InterpreterState: StructOffsets{Offsets: map[string]uint64{
			"id": 0, "threads_head": 8, "next": 16,
		}},
		ThreadState: StructOffsets{Offsets: map[string]uint64{
			"thread_id": 0, "native_thread_id": 8, "next": 16,
			"datastack_chunk": 24, "current_frame": 32,
		}},
		InterpreterFrame: StructOffsets{
			Size: 40,
			Offsets: map[string]uint64{
				"chunk_size": 0, "chunk_previous": 8, "chunk_header_size": 16,
				"previous": 0, "owner": 8, "executable": 16, "instr_ptr": 24,
			},
		},
		CodeObject: StructOffsets{Offsets: map[string]uint64{
			"filename": 0, "qualname": 8, "firstlineno": 16,
			"linetable_size": 32, "linetable": 48, "co_code_adaptive": 40,
		}},
		UnicodeObject: StructOffsets{Offsets: map[string]uint64{"length": 0, "asciiof": 16}},
	}

	return fp, offsets
}

func newTestSession(fp *fakeProcess, offsets DebugOffsets, mode ProfilingMode, opts ...SessionOption) *Session {
	gw := NewGateway(fp, nil, 0)
	u := &Unwinder{
		gw:        gw,
		offsets:   offsets,
		code:      newCodeCache(),
		frames:    newFrameCache(defaultFrameCacheThreads, defaultFrameCacheFrames),
		maxFrames: maxFramesPerUnwind,
	}
	return NewSession(gw, u, nil, 1234, 0x1000, mode, opts...)
}

func TestSessionSampleSingleFrame(t *testing.T) {
	fp, offsets := buildSingleFrameTarget(t)
	s := newTestSession(fp, offsets, ModeWall)

	got, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d interpreters, want 1: %+v", len(got), got)
	}
	interp := got[0]
	if interp.InterpreterID != 7 {
		t.Errorf("InterpreterID = %d, want 7", interp.InterpreterID)
	}
	if len(interp.Threads) != 1 {
		t.Fatalf("got %d threads, want 1: %+v", len(interp.Threads), interp.Threads)
	}
	th := interp.Threads[0]
	if th.ThreadID != 555 || th.NativeThreadID != 555 {
		t.Errorf("thread ids = %d/%d, want 555/555", th.ThreadID, th.NativeThreadID)
	}
	if th.Status != Unknown {
		t.Errorf("Status = %v, want Unknown (no GIL field published)", th.Status)
	}
	if len(th.Frames) != 1 {
		t.Fatalf("got %d frames, want 1: %+v", len(th.Frames), th.Frames)
	}
	f := th.Frames[0]
	if f.File != "mod.py" || f.Qualname != "f_a" {
		t.Errorf("frame = %+v, want File=mod.py Qualname=f_a", f)
	}
	if !f.Location.Valid || f.Location.Line != 100 {
		t.Errorf("Location = %+v, want Line 100", f.Location)
	}
}

func TestSessionSampleCoalescesConcurrentCallers(t *testing.T) {
	fp, offsets := buildSingleFrameTarget(t)
	s := newTestSession(fp, offsets, ModeWall)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Sample()
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Sample: %v", err)
		}
	}
}

func TestSessionRunDeliversSamplesUntilCancelled(t *testing.T) {
	fp, offsets := buildSingleFrameTarget(t)
	s := newTestSession(fp, offsets, ModeWall)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var rec recordingCollector
	err := s.Run(ctx, 5*time.Millisecond, &rec, nil)
	if err != context.DeadlineExceeded {
		t.Fatalf("Run returned %v, want context.DeadlineExceeded", err)
	}
	if len(rec.got) == 0 {
		t.Fatal("expected at least one delivered sample before cancellation")
	}
	first := rec.got[0]
	if first.threadID != 555 || first.interpID != 7 {
		t.Errorf("first sample = %+v, want thread 555 interp 7", first)
	}
}

func TestEmitNativeFramesOption(t *testing.T) {
	fp, offsets := buildSingleFrameTarget(t)
	s := newTestSession(fp, offsets, ModeWall, EmitNativeFrames(true))
	if !s.emitNative {
		t.Error("EmitNativeFrames(true) did not set emitNative")
	}
}
