/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package agents

import "math"

// VolumeBonus awards Bonus once an agent has at least MinSuccesses successful requests
type VolumeBonus struct {
	MinSuccesses int64
	Bonus        float64
}

// ErrorPenalty subtracts Penalty once the error rate reaches MinRate
type ErrorPenalty struct {
	MinRate float64
	Penalty float64
}

// TrustWeights are the tunable coefficients of the trust score. Only the
// shape is fixed: success ratio dominates, latency and volume adjust, and
// high error rates penalize.
type TrustWeights struct {
	Initial       float64
	Base          float64
	SuccessWeight float64
	FastLatencyMs float64
	SlowLatencyMs float64
	FastBonus     float64
	MediumBonus   float64
	SlowPenalty   float64
	Volume        []VolumeBonus  // ascending by MinSuccesses
	ErrorRate     []ErrorPenalty // ascending by MinRate
}

// DefaultTrustWeights returns the built-in coefficients
func DefaultTrustWeights() TrustWeights {
	return TrustWeights{
		Initial:       50,
		Base:          10,
		SuccessWeight: 60,
		FastLatencyMs: 1000,
		SlowLatencyMs: 5000,
		FastBonus:     15,
		MediumBonus:   5,
		SlowPenalty:   -10,
		Volume: []VolumeBonus{
			{MinSuccesses: 10, Bonus: 5},
			{MinSuccesses: 100, Bonus: 10},
			{MinSuccesses: 1000, Bonus: 15},
		},
		ErrorRate: []ErrorPenalty{
			{MinRate: 0.10, Penalty: -10},
			{MinRate: 0.25, Penalty: -20},
		},
	}
}

// Score computes the trust score for the given counters
func (w TrustWeights) Score(total, failed int64, avgLatencyMs float64) float64 {
	if total <= 0 {
		return w.Initial
	}

	successes := total - failed
	errorRate := float64(failed) / float64(total)
	score := w.Base + w.SuccessWeight*(1-errorRate)

	switch {
	case avgLatencyMs < w.FastLatencyMs:
		score += w.FastBonus
	case avgLatencyMs < w.SlowLatencyMs:
		score += w.MediumBonus
	default:
		score += w.SlowPenalty
	}

	bonus := 0.0
	for _, v := range w.Volume {
		if successes >= v.MinSuccesses {
			bonus = v.Bonus
		}
	}
	score += bonus

	penalty := 0.0
	for _, e := range w.ErrorRate {
		if errorRate >= e.MinRate {
			penalty = e.Penalty
		}
	}
	score += penalty

	return math.Max(0, math.Min(100, score))
}
