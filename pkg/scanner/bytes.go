package scanner

// SOH is the FIX field delimiter.
const SOH = 0x01

// NextField scans one tag=value<SOH> field starting at off. It returns the tag,
// the value slice (aliasing payload), the offset after the delimiter and
// whether a complete, well formed field was found. A field that runs past the
// end of payload reports ok=false with next=-1.
func NextField(payload []byte, off int) (tag int, value []byte, next int, ok bool) {
	i := off
	if i >= len(payload) {
		return 0, nil, -1, false
	}
	start := i
	for i < len(payload) && payload[i] >= '0' && payload[i] <= '9' {
		if i-start > 9 {
			return 0, nil, i, false
		}
		tag = tag*10 + int(payload[i]-'0')
		i++
	}
	if i >= len(payload) {
		return 0, nil, -1, false
	}
	if i == start || payload[i] != '=' {
		return 0, nil, i, false
	}
	i++
	vstart := i
	end := IndexByteFrom(payload, SOH, i)
	if end < 0 {
		return 0, nil, -1, false
	}
	return tag, payload[vstart:end], end + 1, true
}

// ParseUint parses an unsigned decimal. Empty input, signs and overflow fail.
func ParseUint(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > 19 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

// AppendUint appends v in decimal.
func AppendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, buf[i:]...)
}

// Checksum is the byte sum modulo 256.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}

func IndexByteFrom(payload []byte, c byte, from int) int {
	for i := from; i < len(payload); i++ {
		if payload[i] == c {
			return i
		}
	}
	return -1
}

func IndexOf(payload []byte, key []byte) int {
	return IndexOfFrom(payload, key, 0)
}

func IndexOfFrom(payload []byte, key []byte, from int) int {
	if len(key) == 0 || len(payload)-from < len(key) || from < 0 {
		return -1
	}
outer:
	for i := from; i <= len(payload)-len(key); i++ {
		for j := 0; j < len(key); j++ {
			if payload[i+j] != key[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func HasPrefix(payload []byte, prefix []byte) bool {
	if len(payload) < len(prefix) {
		return false
	}
	for i := range prefix {
		if payload[i] != prefix[i] {
			return false
		}
	}
	return true
}
