package pywatch

// CodeMetadata is the immutable-per-code information the unwinder needs to
// turn a bytecode offset into a source position, cached by remote code
// address because re-reading filename/qualname/line-table on every sample
// would dominate unwind cost.
type CodeMetadata struct {
	Filename          string
	Qualname          string
	FirstLine         int32
	LineTable         []byte
	AdaptiveCodeBase  ptr
}

// tlbcEntry is a thread-local bytecode copy snapshot, keyed by code address
// and invalidated by a generation mismatch rather than a per-sample reread
// (see spec discussion of the TLBC mechanism).
type tlbcEntry struct {
	generation uint32
	array      []uint64
}

// codeCache memoizes CodeMetadata by remote code address, plus a
// free-threaded target's per-code TLBC arrays keyed the same way.
type codeCache struct {
	entries map[ptr]*CodeMetadata
	tlbc    map[ptr]*tlbcEntry
}

func newCodeCache() *codeCache {
	return &codeCache{
		entries: make(map[ptr]*CodeMetadata),
		tlbc:    make(map[ptr]*tlbcEntry),
	}
}

func (c *codeCache) get(addr ptr) (*CodeMetadata, bool) {
	m, ok := c.entries[addr]
	return m, ok
}

func (c *codeCache) put(addr ptr, m *CodeMetadata) {
	c.entries[addr] = m
}

// tlbcLookup returns the cached array for addr if its generation matches,
// reporting false on a miss (absent, or generation stale) so the caller
// knows to reread and store.
func (c *codeCache) tlbcLookup(addr ptr, generation uint32) ([]uint64, bool) {
	e, ok := c.tlbc[addr]
	if !ok || e.generation != generation {
		return nil, false
	}
	return e.array, true
}

func (c *codeCache) tlbcStore(addr ptr, generation uint32, array []uint64) {
	c.tlbc[addr] = &tlbcEntry{generation: generation, array: array}
}

const (
	maxFilenameLen  = 1024
	maxQualnameLen  = 1024
	maxLineTableLen = 4096
)

// resolveCode returns the cached or freshly-read CodeMetadata for the code
// object at addr (already masked by the caller via maskCodeAddr).
func (u *Unwinder) resolveCode(addr ptr, filenameOff, qualnameOff, firstLineOff, lineTableOff, lineTableLenOff, adaptiveOff uint64) (*CodeMetadata, error) {
	if m, ok := u.code.get(addr); ok {
		return m, nil
	}

	lengthOff := u.offsets.UnicodeObject.Get("length")
	dataOff := u.offsets.UnicodeObject.Get("asciiof")

	filenamePtr, err := u.readPointer(addr + ptr(filenameOff))
	if err != nil {
		return nil, err
	}
	filename, err := u.readString(filenamePtr, lengthOff, dataOff, maxFilenameLen)
	if err != nil {
		return nil, err
	}

	qualnamePtr, err := u.readPointer(addr + ptr(qualnameOff))
	if err != nil {
		return nil, err
	}
	qualname, err := u.readString(qualnamePtr, lengthOff, dataOff, maxQualnameLen)
	if err != nil {
		return nil, err
	}

	firstLine, err := u.readI32(addr + ptr(firstLineOff))
	if err != nil {
		return nil, err
	}

	lineTable, err := u.readBytes(addr, lineTableLenOff, lineTableOff, maxLineTableLen)
	if err != nil {
		return nil, err
	}

	m := &CodeMetadata{
		Filename:         filename,
		Qualname:         qualname,
		FirstLine:        firstLine,
		LineTable:        lineTable,
		AdaptiveCodeBase: addr + ptr(adaptiveOff),
	}
	u.code.put(addr, m)
	return m, nil
}
