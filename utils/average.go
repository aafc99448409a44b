package utils

// RollingAverage is the mean of the last NumSamples values added.
type RollingAverage struct {
	data   []float64
	pos    int
	filled int
	sum    float64
}

// NewRollingAverage returns an empty average over numSamples values.
func NewRollingAverage(numSamples int) *RollingAverage {
	if numSamples < 1 {
		numSamples = 1
	}
	return &RollingAverage{data: make([]float64, numSamples)}
}

// NumSamples is the window size.
func (ra *RollingAverage) NumSamples() int {
	return len(ra.data)
}

// Add replaces the oldest value with x.
func (ra *RollingAverage) Add(x float64) {
	ra.sum += x - ra.data[ra.pos]
	ra.data[ra.pos] = x
	ra.pos++
	if ra.pos >= len(ra.data) {
		ra.pos = 0
	}
	if ra.filled < len(ra.data) {
		ra.filled++
	}
}

// Average is the mean of the values in the window, zero before anything is added.
func (ra *RollingAverage) Average() float64 {
	if ra.filled == 0 {
		return 0
	}
	return ra.sum / float64(ra.filled)
}
