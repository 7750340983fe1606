// Package audio holds helpers for 16-bit little-endian mono PCM, the only
// format the gateway moves between the browser and the speech providers.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// ErrOddLength is returned for PCM16 data that ends mid-sample.
var ErrOddLength = errors.New("audio: PCM16 data length must be even")

// BytesToSamples decodes little-endian PCM16.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s))
	}
	return pcm
}

// Resample converts samples between rates with linear interpolation.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	out := make([]int16, int(float64(len(samples))*ratio))
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 > last {
			i0 = last
		}
		i1 := i0 + 1
		if i1 > last {
			i1 = last
		}
		frac := pos - float64(i0)
		out[i] = int16(float64(samples[i0])*(1-frac) + float64(samples[i1])*frac)
	}
	return out
}

// ResamplePCM resamples PCM16 bytes. Equal rates return pcm unchanged.
func ResamplePCM(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate == outputRate {
		return pcm, nil
	}
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(Resample(samples, inputRate, outputRate)), nil
}

// Duration is the playback time of n bytes of PCM16 at sampleRate.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMS is the root mean square level of samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
