package pywatch

import (
	"os"
	"testing"
)

type recordedSample struct {
	ts       uint64
	threadID uint64
	interpID uint32
	status   StatusFlag
	frames   []FrameInfo
}

type recordingCollector struct {
	got []recordedSample
}

func (c *recordingCollector) Collect(samples []InterpreterInfo, timestamps []uint64) {
	for i, s := range samples {
		for _, th := range s.Threads {
			ts := uint64(0)
			if i < len(timestamps) {
				ts = timestamps[i]
			}
			c.got = append(c.got, recordedSample{
				ts:       ts,
				threadID: th.ThreadID,
				interpID: s.InterpreterID,
				status:   th.Status,
				frames:   th.Frames,
			})
		}
	}
}

func frame(file, qual string, line int32) FrameInfo {
	return FrameInfo{Kind: FrameNormal, File: file, Qualname: qual, Location: Location{Line: line, EndLine: line, Valid: true}, Opcode: -1}
}

func stacksEqual(a, b []FrameInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].File != b[i].File || a[i].Qualname != b[i].Qualname || a[i].Location.Line != b[i].Location.Line {
			return false
		}
	}
	return true
}

func writeTestTach(t *testing.T, path string, compress bool) []recordedSample {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWriter(f, 1000, 1000, WithCompression(compress))
	if err != nil {
		t.Fatal(err)
	}

	a := []FrameInfo{frame("mod.py", "f_a", 10)}
	ba := []FrameInfo{frame("mod.py", "f_b", 20), frame("mod.py", "f_a", 10)}
	da := []FrameInfo{frame("mod.py", "f_d", 30), frame("mod.py", "f_a", 10)}
	c := []FrameInfo{frame("other.py", "f_c", 5)}

	plan := []struct {
		ts     uint64
		thread uint64
		interp uint32
		status StatusFlag
		stack  []FrameInfo
	}{
		{1000, 42, 7, HasGIL, a},
		{1001, 42, 7, HasGIL, a},    // REPEAT candidate
		{1002, 42, 7, OnCPU, ba},    // push a frame (SUFFIX)
		{1003, 42, 7, OnCPU, ba},    // REPEAT candidate
		{1004, 42, 7, HasGIL, da},   // swap top frame, shared bottom (POP_PUSH)
		{1005, 42, 7, Unknown, c},   // unrelated stack (FULL)
		{2000, 99, 3, OnCPU, a},     // a second thread/interpreter
	}

	var want []recordedSample
	for _, p := range plan {
		if err := w.WriteSample(p.interp, p.thread, p.status, p.stack, p.ts); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
		want = append(want, recordedSample{ts: p.ts, threadID: p.thread, interpID: p.interp, status: p.status, frames: p.stack})
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return want
}

func TestWriterReaderRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		path := t.TempDir() + "/sample.tach"
		want := writeTestTach(t, path, compress)

		r, err := OpenReader(path)
		if err != nil {
			t.Fatalf("compress=%v: OpenReader: %v", compress, err)
		}
		defer r.Close()

		var rec recordingCollector
		if err := r.Replay(&rec); err != nil {
			t.Fatalf("compress=%v: Replay: %v", compress, err)
		}

		if len(rec.got) != len(want) {
			t.Fatalf("compress=%v: got %d samples, want %d", compress, len(rec.got), len(want))
		}
		for i, g := range rec.got {
			w := want[i]
			if g.ts != w.ts || g.threadID != w.threadID || g.interpID != w.interpID || g.status != w.status {
				t.Errorf("compress=%v: sample %d = %+v, want %+v", compress, i, g, w)
				continue
			}
			if !stacksEqual(g.frames, w.frames) {
				t.Errorf("compress=%v: sample %d frames = %+v, want %+v", compress, i, g.frames, w.frames)
			}
		}
	}
}

func TestReaderRejectsBadMagic(t *testing.T) {
	path := t.TempDir() + "/bad.tach"
	buf := make([]byte, headerSize+footerSize)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenReader(path); KindOf(err) != KindMalformedHeader {
		t.Errorf("expected KindMalformedHeader, got %v", err)
	}
}

func TestReaderRejectsNewerVersion(t *testing.T) {
	path := t.TempDir() + "/newer.tach"
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(f, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[4] = byte(fileVersion + 1)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = OpenReader(path)
	if KindOf(err) != KindUnsupportedFormatVersion {
		t.Errorf("expected KindUnsupportedFormatVersion, got %v", err)
	}
}
