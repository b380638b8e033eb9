package capture

import (
	"math"
	"testing"
)

func TestParseFrame(t *testing.T) {
	id, raw, ok := ParseFrame([]byte(`<STA 023066 80:27'53"016 01 01 01 3 1569>`))
	if !ok {
		t.Fatal("ParseFrame rejected a valid frame")
	}
	if id != "023066" {
		t.Errorf("transponder id = %q, want 023066", id)
	}
	want := 80*3600.0 + 27*60.0 + 53.0 + 16.0/1000.0
	if math.Abs(raw-want) > 1e-9 {
		t.Errorf("raw time = %v, want %v", raw, want)
	}
}

func TestParseFrameWithSurroundingNoise(t *testing.T) {
	id, raw, ok := ParseFrame([]byte("\x00\x00<STA 100001 00:01'02\"500 1>\r"))
	if !ok {
		t.Fatal("ParseFrame rejected a frame with leading noise")
	}
	if id != "100001" {
		t.Errorf("transponder id = %q, want 100001", id)
	}
	if math.Abs(raw-62.5) > 1e-9 {
		t.Errorf("raw time = %v, want 62.5", raw)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	malformed := []string{
		"",
		"<STA>",
		"<STA 023066>",
		`<STA 023066 80:27'53>`,
		`STA 023066 80:27'53"016`,
		"garbage",
	}
	for _, s := range malformed {
		if _, _, ok := ParseFrame([]byte(s)); ok {
			t.Errorf("ParseFrame(%q) accepted malformed input", s)
		}
	}
}

func TestReverseBits(t *testing.T) {
	cases := []struct{ in, want byte }{
		{0x23, 0xC4},
		{0x00, 0x00},
		{0xFF, 0xFF},
		{0x80, 0x01},
		{0x01, 0x80},
	}
	for _, c := range cases {
		if got := ReverseBits(c.in); got != c.want {
			t.Errorf("ReverseBits(%#02x) = %#02x, want %#02x", c.in, got, c.want)
		}
	}

	// An involution: reversing twice restores the byte.
	for b := 0; b < 256; b++ {
		if got := ReverseBits(ReverseBits(byte(b))); got != byte(b) {
			t.Fatalf("ReverseBits not an involution at %#02x", b)
		}
	}
}

func TestBitReversedFrameParses(t *testing.T) {
	frame := []byte(`<STA 023066 80:27'53"016 1>`)
	if _, _, ok := ParseFrame(bitReverse(frame)); ok {
		t.Fatal("bit-reversed frame should not parse as-is")
	}
	id, _, ok := ParseFrame(bitReverse(bitReverse(frame)))
	if !ok || id != "023066" {
		t.Errorf("doubly-reversed frame: id=%q ok=%v", id, ok)
	}
}
