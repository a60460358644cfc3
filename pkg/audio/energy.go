package audio

import "math"

// RMS returns the root-mean-square energy of 16-bit PCM normalised to [0, 1].
// Empty input has zero energy.
func RMS(pcm []byte) float64 {
	samples := DecodePCM16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32767
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSFloat returns the root-mean-square energy of float samples.
func RMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
