package pywatch

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"
)

// WriteProfile writes prof in gzip'd pprof wire format to path.
func WriteProfile(path string, prof *profile.Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return errf(KindRemoteReadFailed, "pprof.WriteProfile", "%w", err)
	}
	defer f.Close()
	return prof.Write(f)
}

// locationKey identifies one resolved call site for deduplication, the
// same (file, qualname, line) triple the binary frame table interns by.
type locationKey struct {
	file     string
	qualname string
	line     int32
}

// pprofCollector is a Collector that accumulates samples into a
// google/pprof Profile, one sample per (thread, timestamp) pair observed.
// It lets either a live Unwinder session or a replayed Reader feed the same
// pprof export path.
type pprofCollector struct {
	start    time.Time
	samples  []*profile.Sample
	locCache map[locationKey]*profile.Location
	fnCache  map[string]*profile.Function
	nextLoc  uint64
	nextFn   uint64
}

// NewPprofCollector returns a Collector that builds a google/pprof Profile
// from whatever samples it is fed; call Profile when done collecting.
func NewPprofCollector() *pprofCollector {
	return &pprofCollector{
		start:    time.Now(),
		locCache: make(map[locationKey]*profile.Location),
		fnCache:  make(map[string]*profile.Function),
	}
}

func (c *pprofCollector) locationFor(f FrameInfo) *profile.Location {
	key := locationKey{file: f.File, qualname: f.Qualname, line: f.Location.Line}
	if loc, ok := c.locCache[key]; ok {
		return loc
	}

	fn, ok := c.fnCache[f.Qualname]
	if !ok {
		c.nextFn++
		fn = &profile.Function{
			ID:       c.nextFn,
			Name:     f.Qualname,
			Filename: f.File,
		}
		c.fnCache[f.Qualname] = fn
	}

	c.nextLoc++
	loc := &profile.Location{
		ID: c.nextLoc,
		Line: []profile.Line{{
			Function: fn,
			Line:     int64(f.Location.Line),
		}},
	}
	c.locCache[key] = loc
	return loc
}

// Collect implements Collector by appending one pprof Sample per thread of
// every InterpreterInfo, labelled with that InterpreterInfo's timestamp and
// using the thread's resolved frames as the call stack (innermost first, as
// FrameInfo is already ordered).
func (c *pprofCollector) Collect(samples []InterpreterInfo, timestamps []uint64) {
	for i, s := range samples {
		for _, th := range s.Threads {
			locs := make([]*profile.Location, len(th.Frames))
			for j, f := range th.Frames {
				locs[j] = c.locationFor(f)
			}
			var ts uint64
			if i < len(timestamps) {
				ts = timestamps[i]
			}
			c.samples = append(c.samples, &profile.Sample{
				Location: locs,
				Value:    []int64{1},
				Label:    map[string][]string{"thread_id": {fmt.Sprintf("%d", th.ThreadID)}},
				NumLabel: map[string][]int64{"timestamp_us": {int64(ts)}},
			})
		}
	}
}

// Profile materializes the accumulated samples into a google/pprof
// Profile, suitable for writing with (*profile.Profile).Write.
func (c *pprofCollector) Profile() *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Sample:     c.samples,
		TimeNanos:  c.start.UnixNano(),
	}

	prof.Location = make([]*profile.Location, len(c.locCache))
	for _, loc := range c.locCache {
		prof.Location[loc.ID-1] = loc
	}
	prof.Function = make([]*profile.Function, len(c.fnCache))
	for _, fn := range c.fnCache {
		prof.Function[fn.ID-1] = fn
	}
	return prof
}
