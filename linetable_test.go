package pywatch

import "testing"

func TestDecodeLineTableNoColumns(t *testing.T) {
	// Two NO_COLUMNS entries: first covers quanta [0,1) at firstLine+0,
	// second covers [1,3) at firstLine+1.
	table := []byte{
		0x68, 0x00, // code=NO_COLUMNS, length=1, deltaLine=0
		0x69, 0x02, // code=NO_COLUMNS, length=2, deltaLine=+1
		0x00, // terminator
	}

	cases := []struct {
		quanta   int64
		wantLine int32
		wantOK   bool
	}{
		{0, 10, true},
		{1, 11, true},
		{2, 11, true},
		{3, 0, false},
	}

	for _, c := range cases {
		loc, err := decodeLineTable(table, 10, c.quanta)
		if err != nil {
			t.Fatalf("quanta=%d: %v", c.quanta, err)
		}
		if loc.Valid != c.wantOK {
			t.Errorf("quanta=%d: Valid=%v, want %v", c.quanta, loc.Valid, c.wantOK)
		}
		if c.wantOK && loc.Line != c.wantLine {
			t.Errorf("quanta=%d: Line=%d, want %d", c.quanta, loc.Line, c.wantLine)
		}
	}
}

func TestDecodeLineTableNone(t *testing.T) {
	// A NONE entry (length=1) immediately followed by a real NO_COLUMNS
	// entry (length=1, deltaLine=0): NONE's code must not collide with the
	// 0x00 scan terminator, or the second entry would never be reached.
	table := []byte{
		ltCodeNone<<3 | 0x0, // length=1, NONE
		0x68, 0x00,          // length=1, NO_COLUMNS, deltaLine=0
		0x00, // terminator
	}

	loc, err := decodeLineTable(table, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if loc.Valid {
		t.Error("expected invalid location for NONE code")
	}

	loc, err = decodeLineTable(table, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !loc.Valid || loc.Line != 10 {
		t.Errorf("quanta=1: loc=%+v, want Valid Line=10", loc)
	}
}

func TestDecodeLineTableShortFormColumn(t *testing.T) {
	// Short-form entry: code=3, length=1, byte=0x25 -> column = 3<<3 | (0x25>>4)
	// = 24|2 = 26, end_column = 26 + (0x25&0xf) = 26+5 = 31.
	table := []byte{
		3<<3 | 0x0, // code=3, length=1
		0x25,
	}
	loc, err := decodeLineTable(table, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !loc.Valid || loc.Col != 26 || loc.EndCol != 31 {
		t.Errorf("loc=%+v, want Col=26 EndCol=31", loc)
	}
}

func TestDecodeLineTableRejectsRunaway(t *testing.T) {
	table := make([]byte, lineTableMaxEntries+2)
	for i := range table {
		table[i] = 0x68 // NO_COLUMNS, length 1; as a varint byte 0x68 has its continuation bit set
	}
	// The first entry's line-delta varint never terminates, so decoding
	// hits the varint shift cap and must return an error, not loop forever.
	_, err := decodeLineTable(table, 0, 1<<30)
	if err == nil {
		t.Fatal("expected an error decoding a runaway/corrupt line table")
	}
}
