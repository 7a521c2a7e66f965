package pywatch

import "testing"

func validDebugOffsets() DebugOffsets {
	one := func() StructOffsets { return StructOffsets{Size: 16, Offsets: map[string]uint64{"a": 8}} }
	return DebugOffsets{
		RuntimeState:     one(),
		InterpreterState: one(),
		ThreadState:      one(),
		InterpreterFrame: one(),
		CodeObject:       one(),
		GenObject:        one(),
		PyObject:         one(),
		TypeObject:       one(),
		LongObject:       one(),
		UnicodeObject:    one(),
		BytesObject:      one(),
		SetObject:        one(),
		LlistNode:        one(),
		GCRuntimeState:   one(),
	}
}

func TestDebugOffsetsValidateAccepts(t *testing.T) {
	if err := validDebugOffsets().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDebugOffsetsValidateRejectsEmptyStruct(t *testing.T) {
	o := validDebugOffsets()
	o.RuntimeState = StructOffsets{}
	if err := o.Validate(); KindOf(err) != KindOffsetValidationFailed {
		t.Errorf("expected KindOffsetValidationFailed, got %v", err)
	}
}

func TestDebugOffsetsValidateRejectsZeroOffset(t *testing.T) {
	o := validDebugOffsets()
	o.ThreadState = StructOffsets{Size: 16, Offsets: map[string]uint64{"thread_id": 0}}
	if err := o.Validate(); KindOf(err) != KindOffsetValidationFailed {
		t.Errorf("expected KindOffsetValidationFailed, got %v", err)
	}
}

func TestDebugOffsetsValidateRejectsSizeSmallerThanMaxOffset(t *testing.T) {
	o := validDebugOffsets()
	o.CodeObject = StructOffsets{Size: 4, Offsets: map[string]uint64{"filename": 8}}
	if err := o.Validate(); KindOf(err) != KindOffsetValidationFailed {
		t.Errorf("expected KindOffsetValidationFailed, got %v", err)
	}
}

func TestAsyncioOffsetsValidateAcceptsEmpty(t *testing.T) {
	var o AsyncioOffsets
	if err := o.Validate(); err != nil {
		t.Errorf("Validate on empty AsyncioOffsets = %v, want nil", err)
	}
}

func TestAsyncioOffsetsValidateRejectsZeroOffset(t *testing.T) {
	o := AsyncioOffsets{AsyncioTaskObject: StructOffsets{Offsets: map[string]uint64{"task_id": 0}}}
	if err := o.Validate(); KindOf(err) != KindOffsetValidationFailed {
		t.Errorf("expected KindOffsetValidationFailed, got %v", err)
	}
}
