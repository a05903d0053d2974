package recorder

import "github.com/MrWong99/chorus/pkg/audio"

// Mix sums frames sample by sample into dst, saturating to the int16 range,
// and returns dst. Samples missing from a short frame count as zero.
// dst is resized to audio.FrameSamples, reusing its backing array when it is
// large enough.
func Mix(dst []int16, frames [][]int16) []int16 {
	if cap(dst) < audio.FrameSamples {
		dst = make([]int16, audio.FrameSamples)
	}
	dst = dst[:audio.FrameSamples]
	for i := range dst {
		var sum int32
		for _, f := range frames {
			if i < len(f) {
				sum += int32(f[i])
			}
		}
		dst[i] = audio.Clamp16(sum)
	}
	return dst
}
