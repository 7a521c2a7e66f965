package pywatch

// Unwinder is the stateful core of the stack unwinder (C1-C7): a Gateway to
// read remote memory, validated DebugOffsets, and the caches (code
// metadata, TLBC, frame continuation) that make repeated unwinds of the
// same target cheap.
//
// One Unwinder is used by one caller at a time; none of its caches are
// locked, matching the single-threaded cooperative model the design calls
// for (see spec §5).
type Unwinder struct {
	gw      *Gateway
	offsets DebugOffsets
	async   *AsyncioOffsets

	freeThreaded bool

	code   *codeCache
	frames *frameCache

	maxFrames int
}

// UnwinderOption configures a new Unwinder.
type UnwinderOption func(*Unwinder)

// FreeThreaded tells the unwinder the target was built without the GIL,
// which changes how HAS_GIL is read and masks the low tag bit off code
// object addresses. Frames are still resolved against the code object's
// main adaptive bytecode: thread-local bytecode copies are not consulted.
func FreeThreaded(enabled bool) UnwinderOption {
	return func(u *Unwinder) { u.freeThreaded = enabled }
}

// MaxFrames lowers the per-unwind frame safety cap (default 1024, per
// spec §4.4 step 5); values above 1024 have no effect, since walkFrames
// also stops at maxFramesPerUnwind.
func MaxFrames(n int) UnwinderOption {
	return func(u *Unwinder) {
		if n > 0 {
			u.maxFrames = n
		}
	}
}

// NewUnwinder validates offsets and constructs an Unwinder reading through
// gw. It returns OffsetValidationFailed if offsets are implausible.
func NewUnwinder(gw *Gateway, offsets DebugOffsets, opts ...UnwinderOption) (*Unwinder, error) {
	if err := offsets.Validate(); err != nil {
		return nil, err
	}
	u := &Unwinder{
		gw:        gw,
		offsets:   offsets,
		code:      newCodeCache(),
		frames:    newFrameCache(defaultFrameCacheThreads, defaultFrameCacheFrames),
		maxFrames: maxFramesPerUnwind,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// EnableAsyncio validates the given AsyncioOffsets and installs them on the
// Unwinder. It must succeed before any asyncio operation is attempted.
func (u *Unwinder) EnableAsyncio(offsets AsyncioOffsets) error {
	if err := offsets.Validate(); err != nil {
		return err
	}
	u.async = &offsets
	return nil
}

const codeAddrTagMask = ^uint64(1) // low bit used as a tag on free-threaded targets

func (u *Unwinder) maskCodeAddr(addr ptr) ptr {
	if u.freeThreaded {
		return ptr(uint64(addr) & codeAddrTagMask)
	}
	return addr
}
