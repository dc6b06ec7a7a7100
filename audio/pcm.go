package audio

import "encoding/binary"

// SampleAt reads the i-th little-endian PCM16 sample of b.
func SampleAt(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[i*2:]))
}

// PeakAmplitude returns the largest absolute sample value in b.
func PeakAmplitude(b []byte) int {
	peak := 0
	for i := 0; i+1 < len(b); i += 2 {
		v := abs16(int16(binary.LittleEndian.Uint16(b[i:])))
		if v > peak {
			peak = v
		}
	}
	return peak
}

// ClampVolume limits v to [0, 1].
func ClampVolume(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs16(s int16) int {
	v := int(s)
	if v < 0 {
		return -v
	}
	return v
}
