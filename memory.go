package pywatch

import (
	"container/list"
	"fmt"
	"sync"
)

// ptr is a remote address: a location in the target process's address
// space. It is a distinct type from any local pointer so a remote address
// is never accidentally dereferenced directly by the host, the same
// separation the teacher's unwinder draws between guest and host memory.
type ptr uint64

func (p ptr) String() string { return fmt.Sprintf("%#x", uint64(p)) }

// ProcessReader is the out-of-scope collaborator that knows how to read raw
// bytes from a target process's address space (e.g. via /proc/pid/mem,
// process_vm_readv, or ReadProcessMemory). Implementations are not expected
// to cache or align anything; Gateway does that.
type ProcessReader interface {
	ReadProcessMemory(addr uint64, length int) ([]byte, error)
}

// SectionFinder is the out-of-scope collaborator that knows how to locate a
// named metadata section inside the target's loaded binary or one of its
// shared libraries.
type SectionFinder interface {
	FindSection(name string, binaryHints []string) (addr uint64, ok bool)
}

const pageSize = 4096

type page struct {
	addr uint64
	data []byte
}

// Gateway is the remote memory gateway (C1): page-aligned, LRU-cached raw
// reads layered on top of a ProcessReader, plus ordered-hint section
// lookup layered on top of a SectionFinder.
//
// Gateway makes no attempt at cache coherency across samples: the target
// keeps running between reads, so two reads of the same page may observe
// different bytes. Every caller above Gateway is expected to validate
// whatever invariants it depends on rather than assume a consistent
// snapshot.
type Gateway struct {
	reader  ProcessReader
	sect    SectionFinder
	mu      sync.Mutex
	pages   map[uint64]*list.Element // page-aligned addr -> lru element
	lru     *list.List               // front = most recently used
	maxSize int
}

// DefaultGatewayCacheSize is the default number of pages kept in the LRU.
const DefaultGatewayCacheSize = 256

// NewGateway constructs a Gateway backed by reader and sect. cacheSize <= 0
// uses DefaultGatewayCacheSize.
func NewGateway(reader ProcessReader, sect SectionFinder, cacheSize int) *Gateway {
	if cacheSize <= 0 {
		cacheSize = DefaultGatewayCacheSize
	}
	return &Gateway{
		reader:  reader,
		sect:    sect,
		pages:   make(map[uint64]*list.Element, cacheSize),
		lru:     list.New(),
		maxSize: cacheSize,
	}
}

func pageAlign(addr uint64) uint64 { return addr &^ (pageSize - 1) }

// fetch returns the (possibly cached) contents of the page containing addr,
// refetching the whole page on a cache miss.
func (g *Gateway) fetch(pageAddr uint64) (*page, error) {
	if el, ok := g.pages[pageAddr]; ok {
		g.lru.MoveToFront(el)
		return el.Value.(*page), nil
	}

	data, err := g.reader.ReadProcessMemory(pageAddr, pageSize)
	if err != nil {
		return nil, errf(KindRemoteReadFailed, "gateway.fetch", "page %#x: %w", pageAddr, err)
	}

	p := &page{addr: pageAddr, data: data}
	el := g.lru.PushFront(p)
	g.pages[pageAddr] = el

	if g.lru.Len() > g.maxSize {
		oldest := g.lru.Back()
		g.lru.Remove(oldest)
		delete(g.pages, oldest.Value.(*page).addr)
	}
	return p, nil
}

// Read returns length bytes starting at addr, assembling the result from
// one or more cached pages.
func (g *Gateway) Read(addr uint64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]byte, 0, length)
	for len(out) < length {
		cur := addr + uint64(len(out))
		pageAddr := pageAlign(cur)
		p, err := g.fetch(pageAddr)
		if err != nil {
			return nil, err
		}
		offset := int(cur - pageAddr)
		if offset >= len(p.data) {
			return nil, errf(KindRemoteReadFailed, "gateway.Read", "short page at %#x", pageAddr)
		}
		n := length - len(out)
		if avail := len(p.data) - offset; n > avail {
			n = avail
		}
		out = append(out, p.data[offset:offset+n]...)
	}
	return out, nil
}

// Invalidate drops every cached page. Call this between samples if the
// caller wants a stronger (still not atomic) freshness guarantee.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages = make(map[uint64]*list.Element, g.maxSize)
	g.lru.Init()
}

// FindSection looks up a named metadata region, trying each hint in binary
// order and returning the first match.
func (g *Gateway) FindSection(name string, binaryHints []string) (ptr, bool) {
	if g.sect == nil {
		return 0, false
	}
	addr, ok := g.sect.FindSection(name, binaryHints)
	return ptr(addr), ok
}

func (g *Gateway) readPtr(addr ptr, size int) ([]byte, error) {
	return g.Read(uint64(addr), size)
}
