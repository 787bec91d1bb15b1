package protocol

import "bytes"

// PutLenEncInt appends n to buf using MySQL's length-encoded integer
// format: a single byte for n < 251, otherwise a prefix byte selecting a
// 2/3/8-byte little-endian width.
func PutLenEncInt(buf []byte, n uint64) []byte {
	switch {
	case n < 251:
		return append(buf, byte(n))
	case n < 1<<16:
		return append(buf, 0xfc, byte(n), byte(n>>8))
	case n < 1<<24:
		return append(buf, 0xfd, byte(n), byte(n>>8), byte(n>>16))
	default:
		return append(buf, 0xfe,
			byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
			byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
	}
}

// LenEncInt decodes a length-encoded integer from the start of buf,
// returning the value, whether it represented SQL NULL (0xfb prefix), and
// the number of bytes consumed.
func LenEncInt(buf []byte) (value uint64, isNull bool, n int, err error) {
	if len(buf) == 0 {
		return 0, false, 0, NewParseError("lenenc-int", "empty buffer")
	}
	first := buf[0]
	switch {
	case first < 251:
		return uint64(first), false, 1, nil
	case first == 0xfb:
		return 0, true, 1, nil
	case first == 0xfc:
		if len(buf) < 3 {
			return 0, false, 0, NewParseError("lenenc-int", "truncated 2-byte form")
		}
		return uint64(buf[1]) | uint64(buf[2])<<8, false, 3, nil
	case first == 0xfd:
		if len(buf) < 4 {
			return 0, false, 0, NewParseError("lenenc-int", "truncated 3-byte form")
		}
		return uint64(buf[1]) | uint64(buf[2])<<8 | uint64(buf[3])<<16, false, 4, nil
	case first == 0xfe:
		if len(buf) < 9 {
			return 0, false, 0, NewParseError("lenenc-int", "truncated 8-byte form")
		}
		v := uint64(buf[1]) | uint64(buf[2])<<8 | uint64(buf[3])<<16 | uint64(buf[4])<<24 |
			uint64(buf[5])<<32 | uint64(buf[6])<<40 | uint64(buf[7])<<48 | uint64(buf[8])<<56
		return v, false, 9, nil
	default:
		return 0, false, 0, NewParseError("lenenc-int", "reserved prefix 0xff")
	}
}

// PutLenEncString appends a length-encoded string (length-prefix + bytes).
func PutLenEncString(buf []byte, s []byte) []byte {
	buf = PutLenEncInt(buf, uint64(len(s)))
	return append(buf, s...)
}

// LenEncString decodes a length-encoded string, returning the bytes and
// the total bytes consumed (prefix + payload).
func LenEncString(buf []byte) (value []byte, n int, err error) {
	length, isNull, prefixLen, err := LenEncInt(buf)
	if err != nil {
		return nil, 0, err
	}
	if isNull {
		return nil, prefixLen, nil
	}
	total := prefixLen + int(length)
	if len(buf) < total {
		return nil, 0, NewParseError("lenenc-string", "truncated payload")
	}
	return buf[prefixLen:total], total, nil
}

// NullTerminatedString reads bytes up to the first 0x00, returning the
// string and the number of bytes consumed including the terminator.
func NullTerminatedString(buf []byte) (value []byte, n int, err error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		return nil, 0, NewParseError("null-terminated-string", "missing terminator")
	}
	return buf[:idx], idx + 1, nil
}
