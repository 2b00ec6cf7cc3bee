package grading

import (
	"sort"

	"github.com/volatiletech/null/v8"

	"github.com/scolarflow/scolarflow/core"
)

// AnnualPeriods are the evaluations combined by the annual report, in report order.
var AnnualPeriods = []string{EvaluationOne, EvaluationTwo, EvaluationThree, CompositionPassage}

type AnnualInput struct {
	Class       Class
	SchoolYear  string
	Evaluations []Evaluation // class evaluations; other names and years are ignored
	Students    []Student
	Subjects    []Subject
	Grades      []SubjectGrade // grades of any evaluation of the class
	Config      *FormulaConfig
	Threshold   Threshold
}

// findPeriods returns the evaluation of each annual period that was run, {period name: evaluation}.
// When a name is used twice, the first evaluation wins.
func findPeriods(evaluations []Evaluation, schoolYear string) map[string]Evaluation {
	found := make(map[string]Evaluation, len(AnnualPeriods))
	for _, ev := range evaluations {
		if schoolYear != "" && ev.SchoolYear != schoolYear {
			continue
		}
		for _, name := range AnnualPeriods {
			if ev.Name != name {
				continue
			}
			if _, ok := found[name]; !ok {
				found[name] = ev
			}
		}
	}
	return found
}

// Decide classifies a student from their annual average.
// The retention threshold does not produce a third outcome: everything below admission is retained.
func Decide(mga null.Float64, threshold Threshold) Decision {
	if !mga.Valid {
		return DecisionNone
	}
	if mga.Float64 >= threshold.Admission {
		return DecisionAdmitted
	}
	return DecisionRetained
}

// AnnualAverage is the mean of the periods a student was ranked in, null if none.
func AnnualAverage(periods ...null.Float64) null.Float64 {
	mean := annualMean(periods...)
	if !mean.Valid {
		return mean
	}
	return null.Float64From(core.Round2(mean.Float64))
}

// annualMean is AnnualAverage before rounding.
func annualMean(periods ...null.Float64) null.Float64 {
	var sum float64
	var n int
	for _, p := range periods {
		if p.Valid {
			sum += p.Float64
			n++
		}
	}
	if n == 0 {
		return null.Float64{}
	}
	return null.Float64From(sum / float64(n))
}

// MGA weights the passage composition twice as much as the annual average.
// It is only defined when both are. `annual` is expected unrounded.
func MGA(annual, passage null.Float64) null.Float64 {
	if !annual.Valid || !passage.Valid {
		return null.Float64{}
	}
	return null.Float64From(core.Round2((annual.Float64 + 2*passage.Float64) / 3))
}

// AggregateAnnual builds the bilan annuel of a class.
//
// Every period average is recomputed from raw grades with the same rules as AggregatePeriod, so a
// student absent from an evaluation has no average for it. Results are sorted by MGA, highest
// first, students without an MGA last.
func AggregateAnnual(in AnnualInput) AnnualReport {
	periods := findPeriods(in.Evaluations, in.SchoolYear)

	report := AnnualReport{
		Class:       in.Class,
		SchoolYear:  in.SchoolYear,
		Threshold:   in.Threshold,
		Evaluations: make(map[string]string, len(periods)),
		Results:     make([]AnnualResult, 0, len(in.Students)),
	}

	averages := make(map[string]map[string]float64, len(periods)) // {period name: {studentID: average}}
	for name, ev := range periods {
		report.Evaluations[name] = ev.ID
		periodReport := AggregatePeriod(PeriodInput{
			ClassID:      in.Class.ID,
			EvaluationID: ev.ID,
			Students:     in.Students,
			Subjects:     in.Subjects,
			Grades:       in.Grades,
			Config:       in.Config,
		})
		averages[name] = periodReport.Averages()
		report.Fallbacks += periodReport.Fallbacks
	}
	periodAverage := func(name, studentID string) null.Float64 {
		if avg, ok := averages[name][studentID]; ok {
			return null.Float64From(avg)
		}
		return null.Float64{}
	}

	for _, st := range in.Students {
		if !st.IsActive {
			continue
		}
		report.Results = append(report.Results, newAnnualResult(
			st,
			periodAverage(EvaluationOne, st.ID),
			periodAverage(EvaluationTwo, st.ID),
			periodAverage(EvaluationThree, st.ID),
			periodAverage(CompositionPassage, st.ID),
			in.Threshold,
		))
	}

	sort.SliceStable(report.Results, func(i, j int) bool {
		a, b := report.Results[i].MGA, report.Results[j].MGA
		if !b.Valid {
			return a.Valid
		}
		return a.Valid && a.Float64 > b.Float64
	})

	report.Stats = ComputeStats(report.Results)
	return report
}

// newAnnualResult derives a student's annual figures from their period averages.
// The MGA is computed from the unrounded annual mean; only the reported values are rounded.
func newAnnualResult(st Student, compo1, compo2, compo3, passage null.Float64, threshold Threshold) AnnualResult {
	mean := annualMean(compo1, compo2, compo3)
	res := AnnualResult{
		Student:         st,
		MoyCompo1:       compo1,
		MoyCompo2:       compo2,
		MoyCompo3:       compo3,
		MoyCompoPassage: passage,
		MoyAnnuelle:     AnnualAverage(compo1, compo2, compo3),
		MGA:             MGA(mean, passage),
	}
	res.Decision = Decide(res.MGA, threshold)
	return res
}
