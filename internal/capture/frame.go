package capture

import "regexp"

// Decoder frame grammar, e.g. <STA 023066 80:27'53"016 01 01 01 3 1569>.
// The clock field counts hours:minutes'seconds"milliseconds on the decoder's
// free-running clock.
var (
	frameRe = regexp.MustCompile(`<STA\s+(\d+)\s+(\d+:\d+'\d+"\d+).*?>`)
	clockRe = regexp.MustCompile(`(\d+):(\d+)'(\d+)"(\d+)`)
)

// ParseFrame extracts the transponder id and clock value (in seconds) from a
// raw decoder frame. ok is false for anything that does not match the frame
// grammar; malformed input is the caller's cue to keep reading.
func ParseFrame(data []byte) (transponderID string, rawTime float64, ok bool) {
	m := frameRe.FindSubmatch(data)
	if m == nil {
		return "", 0, false
	}
	rawTime, ok = parseClock(m[2])
	if !ok {
		return "", 0, false
	}
	return string(m[1]), rawTime, true
}

// parseClock converts a decoder clock field like 80:27'53"016 to seconds.
func parseClock(b []byte) (float64, bool) {
	m := clockRe.FindSubmatch(b)
	if m == nil {
		return 0, false
	}
	h := atoi(m[1])
	min := atoi(m[2])
	s := atoi(m[3])
	ms := atoi(m[4])
	return float64(h*3600+min*60+s) + float64(ms)/1000.0, true
}

// atoi parses a digits-only byte slice. The regexp guarantees the input.
func atoi(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}

// ReverseBits mirrors the bits of a single byte, e.g. 0x23 -> 0xC4. Some
// decoder revisions ship with inverted bit order on the serial line.
func ReverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r = r<<1 | (b>>i)&1
	}
	return r
}

// bitReverse applies ReverseBits to every byte of data.
func bitReverse(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = ReverseBits(b)
	}
	return out
}
