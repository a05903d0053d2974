package audio

import (
	"encoding/binary"
	"math"
)

// Clamp16 saturates v to the signed 16-bit range.
func Clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// StereoToMono averages each interleaved L/R pair of src into dst and returns
// dst[:len(src)/2]. dst is grown when it is too small. A trailing odd sample
// is ignored.
func StereoToMono(dst, src []int16) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range n {
		l := int32(src[i*2])
		r := int32(src[i*2+1])
		dst[i] = Clamp16((l + r) / 2)
	}
	return dst
}

// AppendSamples appends pcm to dst as 16-bit samples in native byte order.
func AppendSamples(dst []byte, pcm []int16) []byte {
	for _, s := range pcm {
		dst = binary.NativeEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Samples decodes native byte order 16-bit PCM into samples. A trailing odd
// byte is ignored.
func Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.NativeEndian.Uint16(b[i*2:]))
	}
	return out
}
