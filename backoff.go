// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import "time"

const maxBackoff = 1 * time.Hour

// exponentialBackoff returns the delay before the next attempt of a job that
// has failed attemptsMade times: base * 2^(attemptsMade-1), capped at one
// hour.
func exponentialBackoff(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
