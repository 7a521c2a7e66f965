package pywatch

// Line-table entry categories, packed into bits 3-6 of each entry's first
// byte (bits 0-2 hold the entry length minus one).
const (
	ltCodeLong       = 0xe
	ltCodeNoColumns  = 0xd
	ltCodeOneLineN0  = 0xa
	ltCodeOneLineN1  = 0xb
	ltCodeOneLineN2  = 0xc
	ltCodeNone       = 0xf
)

const lineTableMaxEntries = 65536
const varintMaxShift = 28

// sourcePosition is a resolved (line, end_line, col, end_col) tuple, or the
// zero value with Valid=false when the line table reports "no line".
type sourcePosition struct {
	Location
}

// decodeLineTable scans table looking for the entry covering quantaOffset
// (an instruction offset measured in 2-byte quanta from the start of the
// code's bytecode), starting the line accumulator at firstLine.
func decodeLineTable(table []byte, firstLine int32, quantaOffset int64) (Location, error) {
	const op = "linetable.decode"
	var (
		pos      int
		line     = int64(firstLine)
		bcOffset int64
		entries  int
	)

	readVarintUnsigned := func() (uint64, error) {
		var result uint64
		var shift uint
		for {
			if pos >= len(table) {
				return 0, errf(KindMalformedVarint, op, "truncated unsigned varint")
			}
			b := table[pos]
			pos++
			result |= uint64(b&0x3f) << shift
			if b&0x40 == 0 {
				return result, nil
			}
			shift += 6
			if shift > varintMaxShift {
				return 0, errf(KindMalformedVarint, op, "unsigned varint shift overflow")
			}
		}
	}
	readVarintSigned := func() (int64, error) {
		u, err := readVarintUnsigned()
		if err != nil {
			return 0, err
		}
		if u&1 != 0 {
			return -int64(u >> 1), nil
		}
		return int64(u >> 1), nil
	}

	for pos < len(table) {
		entries++
		if entries > lineTableMaxEntries {
			return Location{}, errf(KindMalformedLineTable, op, "exceeded %d entries", lineTableMaxEntries)
		}

		first := table[pos]
		pos++
		if first == 0 {
			break
		}
		code := (first >> 3) & 0xf
		length := int64(first&0x7) + 1

		var loc Location
		switch code {
		case ltCodeNone:
			loc = Location{Valid: false}

		case ltCodeLong:
			deltaLine, err := readVarintSigned()
			if err != nil {
				return Location{}, err
			}
			endLineDelta, err := readVarintUnsigned()
			if err != nil {
				return Location{}, err
			}
			colPlus1, err := readVarintUnsigned()
			if err != nil {
				return Location{}, err
			}
			endColPlus1, err := readVarintUnsigned()
			if err != nil {
				return Location{}, err
			}
			line += deltaLine
			loc = Location{
				Line:    int32(line),
				EndLine: int32(line + int64(endLineDelta)),
				Col:     int32(colPlus1) - 1,
				EndCol:  int32(endColPlus1) - 1,
				Valid:   true,
			}

		case ltCodeNoColumns:
			deltaLine, err := readVarintSigned()
			if err != nil {
				return Location{}, err
			}
			line += deltaLine
			loc = Location{Line: int32(line), EndLine: int32(line), Valid: true}

		case ltCodeOneLineN0, ltCodeOneLineN1, ltCodeOneLineN2:
			delta := int64(code - ltCodeOneLineN0)
			if pos+1 >= len(table) {
				return Location{}, errf(KindMalformedLineTable, op, "truncated one-line columns")
			}
			col := int32(table[pos])
			endCol := int32(table[pos+1])
			pos += 2
			line += delta
			loc = Location{Line: int32(line), EndLine: int32(line), Col: col, EndCol: endCol, Valid: true}

		default:
			if pos >= len(table) {
				return Location{}, errf(KindMalformedLineTable, op, "truncated short-form column")
			}
			b := table[pos]
			pos++
			col := int32(code)<<3 | int32(b>>4)
			width := int32(b & 0xf)
			loc = Location{Line: int32(line), EndLine: int32(line), Col: col, EndCol: col + width, Valid: true}
		}

		if bcOffset <= quantaOffset && quantaOffset < bcOffset+length {
			return loc, nil
		}
		bcOffset += length
	}

	return Location{}, nil
}
