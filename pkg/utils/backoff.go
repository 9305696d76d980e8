// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import (
	"math/rand"
	"time"
)

// Backoff computes an exponential backoff delay for the given attempt
// (0-based), doubling from initial up to cap, with ±jitterFraction jitter.
// jitterFraction of 0 disables jitter.
func Backoff(attempt int, initial, cap time.Duration, jitterFraction float64) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if jitterFraction > 0 {
		// Uniform in [1-j, 1+j].
		factor := 1 + jitterFraction*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d > cap {
		d = cap
	}
	return d
}
