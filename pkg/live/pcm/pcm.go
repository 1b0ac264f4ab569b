// Package pcm converts between the floating-point samples produced by audio
// hardware and the 16-bit linear PCM carried on the wire, and provides the
// small amplitude/duration helpers the live pipeline is built on.
package pcm

import (
	"encoding/binary"
	"time"
)

const (
	// CaptureRate is the microphone sample rate expected by the uplink.
	CaptureRate = 16000
	// PlaybackRate is the sample rate of synthesized agent audio.
	PlaybackRate = 24000

	bytesPerSample = 2
)

// FromFloat32 converts float samples to 16-bit signed PCM. Samples outside
// [-1, 1] are clamp-saturated. Negative values scale by 32768 and
// non-negative values by 32767, matching the asymmetry of the int16 range,
// so -1.0 maps to -32768 and 1.0 maps to 32767.
func FromFloat32(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// ToFloat32 is the inverse of FromFloat32: negative samples divide by 32768,
// non-negative by 32767.
func ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}

// Bytes serializes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Samples parses little-endian 16-bit PCM. A trailing odd byte is dropped.
func Samples(b []byte) []int16 {
	n := len(b) / bytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Peak returns the maximum absolute amplitude in samples. The result is an
// int because abs(-32768) does not fit in an int16.
func Peak(samples []int16) int {
	peak := 0
	for _, v := range samples {
		a := int(v)
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	return peak
}

// Duration returns how long sampleCount samples last at the given rate.
func Duration(sampleCount, rate int) time.Duration {
	if rate <= 0 || sampleCount <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(rate)
}
