package grading

import (
	"sort"

	"github.com/scolarflow/scolarflow/core"
)

// PeriodInput is an already-fetched snapshot of everything needed to rank one evaluation.
type PeriodInput struct {
	ClassID      string
	EvaluationID string
	Students     []Student // class roster, inactive students are skipped
	Subjects     []Subject // class subjects, in display order
	Grades       []SubjectGrade
	Config       *FormulaConfig // nil when the class has no formula
}

// averager computes a student's average from their notes, with the class formula when it is usable.
type averager struct {
	subjects []Subject
	config   *FormulaConfig
	stale    bool
	formula  *Formula
	selected map[string]bool // {subjectID: true}
}

func newAverager(subjects []Subject, cfg *FormulaConfig) *averager {
	a := &averager{subjects: subjects}
	if cfg == nil {
		return a
	}

	classSubjects := make(map[string]bool, len(subjects))
	names := make([]string, 0, len(subjects))
	for _, sub := range subjects {
		classSubjects[sub.ID] = true
		names = append(names, sub.Name)
	}

	selected := make(map[string]bool, len(cfg.SelectedSubjectIDs))
	for _, id := range cfg.SelectedSubjectIDs {
		if !classSubjects[id] {
			// a selected subject was removed from the class
			a.stale = true
			return a
		}
		selected[id] = true
	}
	if len(selected) == 0 {
		selected = classSubjects
	}

	a.config = cfg
	a.selected = selected
	a.formula = ParseFormula(cfg.Formula, cfg.Divisor, names...)
	return a
}

// average returns the average of `notes` ({subjectID: grade}) and whether the formula fell back.
func (a *averager) average(notes map[string]float64) (float64, bool) {
	if a.formula == nil {
		return a.mean(notes), false
	}

	grades := make(map[string]float64, len(a.selected))
	for _, sub := range a.subjects {
		if !a.selected[sub.ID] {
			continue
		}
		if g, ok := notes[sub.ID]; ok {
			grades[sub.Name] = g
		}
	}
	return a.formula.Eval(grades)
}

func (a *averager) mean(notes map[string]float64) float64 {
	if len(notes) == 0 {
		return 0
	}
	return core.Round2(a.sum(notes) / float64(len(notes)))
}

// sum adds `notes` in subject order so that results do not depend on map iteration.
func (a *averager) sum(notes map[string]float64) float64 {
	var total float64
	for _, sub := range a.subjects {
		total += notes[sub.ID]
	}
	return total
}

// AggregatePeriod ranks the students of one evaluation.
//
// A student flagged absent on any subject of the evaluation is left out, as is a student without
// any grade. Averages use the class formula unless it is missing or stale, in which case the plain
// mean of the available grades is used. Results are sorted by average, highest first; equal
// averages keep roster order.
func AggregatePeriod(in PeriodInput) PeriodReport {
	calc := newAverager(in.Subjects, in.Config)
	report := PeriodReport{
		ClassID:      in.ClassID,
		EvaluationID: in.EvaluationID,
		Subjects:     in.Subjects,
		Formula:      calc.config,
		FormulaStale: calc.stale,
		Results:      make([]PeriodResult, 0, len(in.Students)),
	}

	classSubjects := make(map[string]bool, len(in.Subjects))
	for _, sub := range in.Subjects {
		classSubjects[sub.ID] = true
	}

	absent := make(map[string]bool)
	notesByStudent := make(map[string]map[string]float64)
	for _, g := range in.Grades {
		if g.EvaluationID != in.EvaluationID {
			continue
		}
		if g.IsAbsent {
			absent[g.StudentID] = true
			continue
		}
		if !classSubjects[g.SubjectID] {
			continue
		}
		notes, ok := notesByStudent[g.StudentID]
		if !ok {
			notes = make(map[string]float64)
			notesByStudent[g.StudentID] = notes
		}
		notes[g.SubjectID] = g.Value
	}

	for _, st := range in.Students {
		if !st.IsActive || absent[st.ID] {
			continue
		}
		notes := notesByStudent[st.ID]
		if len(notes) == 0 {
			continue
		}

		avg, fellBack := calc.average(notes)
		if fellBack {
			report.Fallbacks++
		}
		report.Results = append(report.Results, PeriodResult{
			Student: st,
			Notes:   notes,
			Total:   core.Round2(calc.sum(notes)),
			Average: avg,
		})
	}

	sort.SliceStable(report.Results, func(i, j int) bool {
		return report.Results[i].Average > report.Results[j].Average
	})
	for i := range report.Results {
		report.Results[i].Rank = i + 1
	}
	return report
}

// Averages maps each ranked student to their average.
func (r PeriodReport) Averages() map[string]float64 {
	avgs := make(map[string]float64, len(r.Results))
	for _, res := range r.Results {
		avgs[res.Student.ID] = res.Average
	}
	return avgs
}
