package tlswarning

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// counterEpsilon bounds how far a rounded float64 counter may drift from
// its rounded form before it is rejected as a fingerprint (mirrors the
// aggregator's ε treatment of float-origin counters elsewhere in this
// package).
const counterEpsilon = 1e-6

// ParseFingerprint extracts an i64 fingerprint from a JSON-decoded value
// (float64, string, or nil), matching the duck-typed extraction used for
// counter/value fields. ok is false when the value can't be interpreted
// as a fingerprint at all, in which case the raw string form should be
// recorded as an Invalid fingerprint by the caller.
func ParseFingerprint(v any) (fp int64, ok bool) {
	switch x := v.(type) {
	case float64:
		return parseFingerprintNumber(x)
	case string:
		return parseStringFingerprint(x)
	default:
		return 0, false
	}
}

func parseFingerprintNumber(f float64) (int64, bool) {
	if !math.IsFinite(f) {
		return 0, false
	}
	rounded := math.Round(f)
	if math.Abs(rounded-f) > counterEpsilon {
		return 0, false
	}
	if rounded < math.MinInt64 || rounded > math.MaxInt64 {
		return 0, false
	}
	return int64(rounded), true
}

// parseStringFingerprint mirrors the original fingerprint decoder: try a
// plain decimal i64 first; otherwise require an (optionally "0x"-prefixed)
// exactly-16-hex-char string, accumulate it as a big-endian u64 nibble by
// nibble, then reinterpret the bit pattern as an i64 via a little-endian
// byte round-trip (not a numeric cast).
func parseStringFingerprint(s string) (int64, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}

	hexPart := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(hexPart) != 16 {
		return 0, false
	}

	var acc uint64
	for _, c := range hexPart {
		d, ok := hexDigit(c)
		if !ok {
			return 0, false
		}
		acc = (acc << 4) | uint64(d)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], acc)
	return int64(binary.LittleEndian.Uint64(buf[:])), true
}

func hexDigit(c rune) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// FingerprintLabel renders the stable ASCII bucket label for a
// fingerprint: "none" for zero/missing, otherwise a lowercase
// zero-padded 16-hex-char form.
func FingerprintLabel(fp int64, present bool) string {
	if !present || fp == 0 {
		return "none"
	}
	return fmt.Sprintf("%016x", uint64(fp))
}
