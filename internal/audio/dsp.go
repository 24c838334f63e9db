package audio

import (
	"encoding/binary"
	"math"
)

// spectrumBands are the center frequencies (Hz) reported in the metrics
// spectrum snapshot. The 300-3400 Hz span covers the speech band.
var spectrumBands = []float64{150, 300, 600, 1000, 1700, 2500, 3400, 5000}

// decodePCM16 converts little-endian 16-bit mono PCM into samples.
func decodePCM16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// rms computes root-mean-square energy of a frame.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// goertzelPower measures the energy of one frequency bin. Cheap enough to run
// per band per tick without an FFT dependency.
func goertzelPower(samples []int16, sampleRate int, freq float64) float64 {
	if len(samples) == 0 || sampleRate <= 0 {
		return 0
	}
	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)
	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	return math.Sqrt(math.Abs(power)) / float64(len(samples))
}

// spectrum returns normalized band energies in [0,1].
func spectrum(samples []int16, sampleRate int) []float64 {
	out := make([]float64, len(spectrumBands))
	var max float64
	for i, f := range spectrumBands {
		if f >= float64(sampleRate)/2 {
			continue
		}
		out[i] = goertzelPower(samples, sampleRate, f)
		if out[i] > max {
			max = out[i]
		}
	}
	if max > 0 {
		for i := range out {
			out[i] /= max
		}
	}
	return out
}

// speechBandRatio reports the fraction of band energy inside the speech band
// (300-3400 Hz). High ratio reads as clear speech, low as broadband noise.
func speechBandRatio(bands []float64) float64 {
	if len(bands) != len(spectrumBands) {
		return 0
	}
	var speech, total float64
	for i, f := range spectrumBands {
		total += bands[i]
		if f >= 300 && f <= 3400 {
			speech += bands[i]
		}
	}
	if total == 0 {
		return 0
	}
	return speech / total
}

// volumeScore maps RMS onto 0-100. ~4000 RMS is a strong speaking level.
func volumeScore(r float64) int {
	v := int(r / 40)
	if v > 100 {
		v = 100
	}
	return v
}
