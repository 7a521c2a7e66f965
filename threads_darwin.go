//go:build darwin

package pywatch

// darwinThreadProbe classifies a thread as ON_CPU via proc_pidinfo's
// THREADINFO selector. Computing the offset between the kernel-reported
// thread id and the target's pthread id requires one self-calibration
// sample per session; until that calibration is wired up this probe
// reports Unknown rather than guess, which mode.skip treats as "include,
// don't drop" for WALL/GIL modes and as "not on CPU" for CPU/ALL modes via
// the caller's own decision, not a fabricated RUNNING/IDLE classification.
type darwinThreadProbe struct{}

// NewOSThreadProbe returns the platform's OSThreadProbe implementation.
func NewOSThreadProbe() OSThreadProbe { return darwinThreadProbe{} }

func (darwinThreadProbe) IsRunning(pid int, tid uint64) (StatusFlag, error) {
	return Unknown, errf(KindNotSupportedOnPlatform, "threads_darwin.IsRunning", "thread id calibration not configured")
}
