// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package asr

import (
	"encoding/binary"
	"math"
)

// SilenceThresholds gates a PCM16 chunk on RMS energy and peak amplitude.
// A chunk is silent only when BOTH measures fall under their thresholds;
// a quiet hum with a single spike still goes to the vendor.
type SilenceThresholds struct {
	Energy float64
	Peak   int
}

// Default gates tuned per telephony sample rate. Narrowband audio carries
// less energy overall, so its thresholds sit lower.
var (
	DefaultThresholds8k  = SilenceThresholds{Energy: 25, Peak: 50}
	DefaultThresholds16k = SilenceThresholds{Energy: 50, Peak: 500}
)

// ThresholdsForRate picks the gate for a call's sample rate. Unknown rates
// fall back to the wideband gate, which is the stricter of the two.
func ThresholdsForRate(sampleRateHz int) SilenceThresholds {
	if sampleRateHz <= 8000 {
		return DefaultThresholds8k
	}
	return DefaultThresholds16k
}

// analyzePCM16 computes RMS energy and absolute peak over little-endian
// 16-bit samples. A trailing odd byte is ignored.
func analyzePCM16(pcm []byte) (energy float64, peak int) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		sumSquares += float64(s) * float64(s)
	}
	return math.Sqrt(sumSquares / float64(n)), peak
}

// IsSilent reports whether the chunk falls under both gates.
func (t SilenceThresholds) IsSilent(pcm []byte) bool {
	energy, peak := analyzePCM16(pcm)
	return energy < t.Energy && peak < t.Peak
}

// amplifyPCM16 scales samples in place by gain, clipping at the int16
// bounds instead of wrapping.
func amplifyPCM16(pcm []byte, gain float64) {
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		scaled := float64(s) * gain
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(scaled)))
	}
}
