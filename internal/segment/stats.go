package segment

// runningStats accumulates max/min/avg over observed live multipliers.
// The mean uses the incremental update form, which is stable for the
// bounded tick counts a single round can produce.
type runningStats struct {
	n   int
	max float64
	min float64
	avg float64
}

func (s *runningStats) observe(x float64) {
	s.n++
	if s.n == 1 {
		s.max = x
		s.min = x
		s.avg = x
		return
	}
	if x > s.max {
		s.max = x
	}
	if x < s.min {
		s.min = x
	}
	s.avg += (x - s.avg) / float64(s.n)
}
