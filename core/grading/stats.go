package grading

import "math"

// ComputeStats counts enrolled, present and admitted students by gender.
// A student is present when they have an MGA.
func ComputeStats(results []AnnualResult) Stats {
	var stats Stats
	for _, res := range results {
		stats.Enrolled.add(res.Student.Gender)
		if res.MGA.Valid {
			stats.Present.add(res.Student.Gender)
		}
		if res.Decision == DecisionAdmitted {
			stats.Admitted.add(res.Student.Gender)
		}
	}
	stats.Dropouts = stats.Enrolled.Total - stats.Present.Total
	if stats.Enrolled.Total > 0 {
		stats.PassRate = int(math.Round(100 * float64(stats.Admitted.Total) / float64(stats.Enrolled.Total)))
	}
	return stats
}
