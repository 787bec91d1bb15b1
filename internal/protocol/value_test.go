package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestBinaryIntegerRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		ftype    FieldType
		unsigned bool
		in       any
		want     int64
	}{
		{"tiny", FieldTypeTiny, false, int8(-5), -5},
		{"tiny unsigned", FieldTypeTiny, true, uint8(200), 200},
		{"short", FieldTypeShort, false, int16(-1234), -1234},
		{"long", FieldTypeLong, false, int32(-123456), -123456},
		{"long unsigned", FieldTypeLong, true, uint32(3_000_000_000), 3_000_000_000},
		{"longlong", FieldTypeLongLong, false, int64(-1 << 40), -1 << 40},
		{"year", FieldTypeYear, false, 2024, 2024},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeBinaryValue(tc.ftype, tc.in)
			if err != nil {
				t.Fatalf("EncodeBinaryValue: %v", err)
			}
			v, n, err := DecodeBinaryValue(tc.ftype, tc.unsigned, enc)
			if err != nil {
				t.Fatalf("DecodeBinaryValue: %v", err)
			}
			if n != len(enc) {
				t.Fatalf("consumed %d of %d bytes", n, len(enc))
			}
			if v.Int64 != tc.want {
				t.Fatalf("got %d want %d", v.Int64, tc.want)
			}
		})
	}
}

func TestBinaryFloatRoundTrip(t *testing.T) {
	enc, err := EncodeBinaryValue(FieldTypeFloat, float32(3.5))
	if err != nil {
		t.Fatalf("EncodeBinaryValue: %v", err)
	}
	v, _, err := DecodeBinaryValue(FieldTypeFloat, false, enc)
	if err != nil {
		t.Fatalf("DecodeBinaryValue: %v", err)
	}
	if v.Float != 3.5 {
		t.Fatalf("got %v want 3.5", v.Float)
	}

	enc, err = EncodeBinaryValue(FieldTypeDouble, 2.25)
	if err != nil {
		t.Fatalf("EncodeBinaryValue: %v", err)
	}
	v, _, err = DecodeBinaryValue(FieldTypeDouble, false, enc)
	if err != nil {
		t.Fatalf("DecodeBinaryValue: %v", err)
	}
	if v.Float != 2.25 {
		t.Fatalf("got %v want 2.25", v.Float)
	}
}

func TestBinaryStringRoundTrip(t *testing.T) {
	payload := []byte("hello, world")
	enc, err := EncodeBinaryValue(FieldTypeVarString, payload)
	if err != nil {
		t.Fatalf("EncodeBinaryValue: %v", err)
	}
	v, n, err := DecodeBinaryValue(FieldTypeVarString, false, enc)
	if err != nil {
		t.Fatalf("DecodeBinaryValue: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d of %d bytes", n, len(enc))
	}
	if !bytes.Equal(v.Bytes, payload) {
		t.Fatalf("got %q want %q", v.Bytes, payload)
	}
}

func TestBinaryDateTimeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
	}{
		{"date only", time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)},
		{"datetime", time.Date(2024, 5, 17, 13, 45, 9, 0, time.UTC)},
		{"datetime with micros", time.Date(2024, 5, 17, 13, 45, 9, 123456000, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeBinaryValue(FieldTypeDateTime, tc.in)
			if err != nil {
				t.Fatalf("EncodeBinaryValue: %v", err)
			}
			v, _, err := DecodeBinaryValue(FieldTypeDateTime, false, enc)
			if err != nil {
				t.Fatalf("DecodeBinaryValue: %v", err)
			}
			if !v.Time.Equal(tc.in) {
				t.Fatalf("got %v want %v", v.Time, tc.in)
			}
		})
	}
}

func TestBinaryZeroTimeEncodesEmpty(t *testing.T) {
	enc, err := EncodeBinaryValue(FieldTypeDateTime, time.Time{})
	if err != nil {
		t.Fatalf("EncodeBinaryValue: %v", err)
	}
	if len(enc) != 1 || enc[0] != 0 {
		t.Fatalf("expected single zero length byte, got %x", enc)
	}
	v, _, err := DecodeBinaryValue(FieldTypeDateTime, false, enc)
	if err != nil {
		t.Fatalf("DecodeBinaryValue: %v", err)
	}
	if !v.Time.IsZero() {
		t.Fatalf("expected zero time, got %v", v.Time)
	}
}

func TestBinaryDurationRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   time.Duration
	}{
		{"positive", 26*time.Hour + 3*time.Minute + 4*time.Second},
		{"negative", -(3 * time.Hour)},
		{"with micros", 90*time.Minute + 250*time.Microsecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := encodeBinaryDuration(tc.in)
			v, _, err := decodeBinaryDuration(enc)
			if err != nil {
				t.Fatalf("decodeBinaryDuration: %v", err)
			}
			if time.Duration(v.Int64) != tc.in {
				t.Fatalf("got %v want %v", time.Duration(v.Int64), tc.in)
			}
		})
	}
}

func TestDecodeTextValueNull(t *testing.T) {
	v, n, err := DecodeTextValue(FieldTypeVarString, []byte{0xfb, 'x'})
	if err != nil {
		t.Fatalf("DecodeTextValue: %v", err)
	}
	if !v.IsNull {
		t.Fatal("expected NULL")
	}
	if n != 1 {
		t.Fatalf("consumed %d bytes, want 1", n)
	}
}

func TestDecodeTextValueTruncated(t *testing.T) {
	if _, _, err := DecodeTextValue(FieldTypeVarString, []byte{5, 'a', 'b'}); err == nil {
		t.Fatal("expected an error for a truncated field")
	}
}

func TestDecodeBinaryValueTruncated(t *testing.T) {
	if _, _, err := DecodeBinaryValue(FieldTypeLongLong, false, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a truncated longlong")
	}
}
