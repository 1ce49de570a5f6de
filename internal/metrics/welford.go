package metrics

import "math"

// WelfordState holds running statistics using Welford's online algorithm, so mean and
// deviation are updated in O(1) without keeping observations.
type WelfordState struct {
	Count int
	Mean  float64
	M2    float64 // sum of squared differences from the mean
}

// RestoreWelford resumes from a persisted row that stored M2 directly
func RestoreWelford(count int, mean, m2 float64) *WelfordState {
	if count <= 0 {
		return &WelfordState{}
	}
	return &WelfordState{Count: count, Mean: mean, M2: m2}
}

// NewWelfordState resumes from a saved mean and population standard deviation
func NewWelfordState(mean, stddev float64, count int) *WelfordState {
	if count <= 0 {
		return &WelfordState{}
	}
	return &WelfordState{Count: count, Mean: mean, M2: stddev * stddev * float64(count)}
}

// Update adds one observation.
// https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
func (w *WelfordState) Update(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

// StdDev returns the population standard deviation, 0 below two observations
func (w *WelfordState) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}
