package pywatch

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session drives repeated sampling passes against one attached interpreter
// process: each tick it walks every sub-interpreter's thread list, unwinds
// whichever threads the configured ProfilingMode keeps, and hands the
// result to a Collector and, if configured, a Writer.
//
// Session owns no connection to the target itself; it is built on top of
// the same Gateway/Unwinder/ThreadWalker collaborators a one-shot caller
// would use directly, so a live session and a replayed recording can feed
// the same Collector.
type Session struct {
	gw      *Gateway
	u       *Unwinder
	probe   OSThreadProbe
	pid     int
	mode    ProfilingMode
	runtime ptr

	walkers map[uint32]*ThreadWalker

	emitNative bool
	startTime  time.Time

	// sf collapses concurrent Sample callers (e.g. a status endpoint racing
	// the Run ticker) into one actual pass, since the Unwinder's caches are
	// unlocked and assume a single caller at a time.
	sf singleflight.Group
}

// SessionOption configures a new Session.
type SessionOption func(*Session)

// EmitNativeFrames enables synthesis of <native> frames at interpreter
// trampolines, matching the Unwind option of the same name.
func EmitNativeFrames(enabled bool) SessionOption {
	return func(s *Session) { s.emitNative = enabled }
}

// NewSession attaches to a target whose published RuntimeState lives at
// runtimeAddr, sampling pid's threads through probe under mode.
func NewSession(gw *Gateway, u *Unwinder, probe OSThreadProbe, pid int, runtimeAddr ptr, mode ProfilingMode, opts ...SessionOption) *Session {
	s := &Session{
		gw:      gw,
		u:       u,
		probe:   probe,
		pid:     pid,
		mode:    mode,
		runtime: runtimeAddr,
		walkers: make(map[uint32]*ThreadWalker),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) walkerFor(id uint32) *ThreadWalker {
	w, ok := s.walkers[id]
	if !ok {
		w = NewThreadWalker(s.u, s.probe, s.pid)
		s.walkers[id] = w
	}
	return w
}

// Sample performs one pass over every sub-interpreter reachable from the
// runtime's interpreters list, returning one InterpreterInfo per
// interpreter that has at least one surviving thread after mode filtering.
func (s *Session) Sample() ([]InterpreterInfo, error) {
	v, err, _ := s.sf.Do("sample", func() (interface{}, error) {
		return s.sampleOnce()
	})
	if err != nil {
		return nil, err
	}
	return v.([]InterpreterInfo), nil
}

func (s *Session) sampleOnce() ([]InterpreterInfo, error) {
	const op = "session.Sample"
	const maxInterpreters = 1 << 12

	rs := s.u.offsets.RuntimeState
	is := s.u.offsets.InterpreterState

	head, err := s.u.readPointer(s.runtime + ptr(rs.Get("interpreters_head")))
	if err != nil {
		return nil, err
	}

	var out []InterpreterInfo
	cur := head
	for i := 0; cur != 0; i++ {
		if i >= maxInterpreters {
			return nil, errf(KindFrameChainBroken, op, "interpreter list exceeds %d entries", maxInterpreters)
		}

		id, err := s.u.readU64(cur + ptr(is.Get("id")))
		if err != nil {
			return nil, err
		}
		threadsHead, err := s.u.readPointer(cur + ptr(is.Get("threads_head")))
		if err != nil {
			return nil, err
		}

		info, err := s.sampleInterpreter(uint32(id), threadsHead)
		if err != nil {
			return nil, err
		}
		if len(info.Threads) > 0 {
			out = append(out, info)
		}

		next, err := s.u.readPointer(cur + ptr(is.Get("next")))
		if err != nil {
			return nil, err
		}
		cur = next
	}

	return out, nil
}

func (s *Session) sampleInterpreter(id uint32, threadsHead ptr) (InterpreterInfo, error) {
	ts := s.u.offsets.ThreadState
	datastackOff := ts.Get("datastack_chunk")
	frameOff := ts.Get("current_frame")

	w := s.walkerFor(id)
	raws, statii, err := w.Walk(threadsHead, s.u.freeThreaded, s.mode)
	if err != nil {
		return InterpreterInfo{}, err
	}

	info := InterpreterInfo{InterpreterID: id}
	for i, rt := range raws {
		datastack, err := s.u.readPointer(rt.addr + ptr(datastackOff))
		if err != nil {
			return InterpreterInfo{}, err
		}
		top, err := s.u.readPointer(rt.addr + ptr(frameOff))
		if err != nil {
			return InterpreterInfo{}, err
		}

		var frames []FrameInfo
		if top != 0 {
			frames, err = s.u.Unwind(rt.threadID, datastack, top, 0, s.emitNative)
			if err != nil {
				return InterpreterInfo{}, err
			}
		}

		info.Threads = append(info.Threads, ThreadInfo{
			ThreadID:       rt.threadID,
			NativeThreadID: rt.nativeID,
			Status:         statii[i],
			Frames:         frames,
		})
	}
	return info, nil
}

// elapsedUs returns microseconds since the session was constructed, the
// timestamp basis a live Writer records alongside each sample.
func (s *Session) elapsedUs() uint64 {
	return uint64(time.Since(s.startTime) / time.Microsecond)
}

// Run samples at interval until ctx is done, delivering every pass to
// collect and, if w is non-nil, appending it to a recording. A pass that
// fails to unwind (e.g. because the target was mid-mutation) is skipped
// rather than aborting the whole session, since the gateway's cache gives
// no stronger consistency guarantee than "best effort" to begin with.
func (s *Session) Run(ctx context.Context, interval time.Duration, collect Collector, w *Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.gw.Invalidate()
			samples, err := s.Sample()
			if err != nil {
				continue
			}

			ts := s.elapsedUs()
			if collect != nil {
				timestamps := make([]uint64, len(samples))
				for i := range timestamps {
					timestamps[i] = ts
				}
				collect.Collect(samples, timestamps)
			}
			if w != nil {
				for _, interp := range samples {
					for _, th := range interp.Threads {
						if err := w.WriteSample(interp.InterpreterID, th.ThreadID, th.Status, th.Frames, ts); err != nil {
							return err
						}
					}
				}
			}
		}
	}
}
