package pywatch

// DebugOffsets is the blob the target publishes at a well-known address
// describing the byte layout of its internal structs. It is read once per
// attach and never changes afterwards for the lifetime of the session.
type DebugOffsets struct {
	VersionMajor, VersionMinor, VersionMicro uint8

	RuntimeState      StructOffsets
	InterpreterState  StructOffsets
	ThreadState       StructOffsets
	InterpreterFrame  StructOffsets
	CodeObject        StructOffsets
	GenObject         StructOffsets
	PyObject          StructOffsets
	TypeObject        StructOffsets
	LongObject        StructOffsets
	UnicodeObject     StructOffsets
	BytesObject       StructOffsets
	SetObject         StructOffsets
	LlistNode         StructOffsets
	GCRuntimeState    StructOffsets
}

// StructOffsets is a named set of byte offsets within one foreign struct,
// plus the struct's total size as published by the target.
type StructOffsets struct {
	Size    uint64
	Offsets map[string]uint64
}

// Get returns the offset for name, or 0 if it was never set.
func (s StructOffsets) Get(name string) uint64 { return s.Offsets[name] }

// structs maps each struct's published name to its StructOffsets above, so
// Validate below can check every struct in one loop.
func (o *DebugOffsets) structs() map[string]*StructOffsets {
	return map[string]*StructOffsets{
		"runtime_state":     &o.RuntimeState,
		"interpreter_state": &o.InterpreterState,
		"thread_state":      &o.ThreadState,
		"interpreter_frame": &o.InterpreterFrame,
		"code_object":       &o.CodeObject,
		"gen_object":        &o.GenObject,
		"pyobject":          &o.PyObject,
		"type_object":       &o.TypeObject,
		"long_object":       &o.LongObject,
		"unicode_object":    &o.UnicodeObject,
		"bytes_object":      &o.BytesObject,
		"set_object":        &o.SetObject,
		"llist_node":        &o.LlistNode,
		"gc_runtime_state":  &o.GCRuntimeState,
	}
}

// Validate enforces the invariant from the data model: every required
// offset must be non-zero, and each struct's declared size must be at
// least as large as the largest offset referenced within it.
func (o *DebugOffsets) Validate() error {
	const op = "DebugOffsets.Validate"
	for name, s := range o.structs() {
		if len(s.Offsets) == 0 {
			return errf(KindOffsetValidationFailed, op, "struct %q has no offsets published", name)
		}
		var max uint64
		for field, off := range s.Offsets {
			if off == 0 {
				return errf(KindOffsetValidationFailed, op, "struct %q field %q has zero offset", name, field)
			}
			if off > max {
				max = off
			}
		}
		if s.Size < max {
			return errf(KindOffsetValidationFailed, op, "struct %q size %d smaller than largest referenced offset %d", name, s.Size, max)
		}
	}
	return nil
}

// AsyncioOffsets is a separate, optional offsets blob located by
// section-name lookup; it is only required when an asyncio operation is
// requested.
type AsyncioOffsets struct {
	AsyncioTaskObject      StructOffsets
	AsyncioThreadState     StructOffsets
	AsyncioInterpreterState StructOffsets
}

func (o *AsyncioOffsets) Validate() error {
	const op = "AsyncioOffsets.Validate"
	structs := map[string]*StructOffsets{
		"asyncio_task_object":       &o.AsyncioTaskObject,
		"asyncio_thread_state":      &o.AsyncioThreadState,
		"asyncio_interpreter_state": &o.AsyncioInterpreterState,
	}
	for name, s := range structs {
		for field, off := range s.Offsets {
			if off == 0 {
				return errf(KindOffsetValidationFailed, op, "struct %q field %q has zero offset", name, field)
			}
		}
	}
	return nil
}
