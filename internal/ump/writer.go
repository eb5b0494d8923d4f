package ump

// AppendVarint appends the container encoding of v to dst.
func AppendVarint(dst []byte, v uint32) []byte {
	switch {
	case v < 1<<7:
		return append(dst, byte(v))
	case v < 1<<14:
		return append(dst, 0x80|byte(v&0x3F), byte(v>>6))
	case v < 1<<21:
		return append(dst, 0xC0|byte(v&0x1F), byte(v>>5), byte(v>>13))
	case v < 1<<28:
		return append(dst, 0xE0|byte(v&0x0F), byte(v>>4), byte(v>>12), byte(v>>20))
	default:
		return append(dst, 0xF0, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
}

// AppendPart appends one framed part (type, size, payload) to dst.
func AppendPart(dst []byte, partType uint32, payload []byte) []byte {
	dst = AppendVarint(dst, partType)
	dst = AppendVarint(dst, uint32(len(payload)))
	return append(dst, payload...)
}
