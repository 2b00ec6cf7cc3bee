package grading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/scolarflow/scolarflow/core"
)

var (
	// errors
	ErrClassNotFound      = errors.New("class not found")
	ErrEvaluationNotFound = errors.New("evaluation not found")
	ErrFormulaNotFound    = errors.New("formula not configured")
	ErrThresholdNotFound  = errors.New("thresholds not configured")

	// NowFunc is mocked in tests.
	NowFunc = time.Now
)

// IsNotFound reports whether `err` was caused by a missing class, evaluation or configuration.
func IsNotFound(err error) bool {
	switch errors.Cause(err) {
	case ErrClassNotFound, ErrEvaluationNotFound, ErrFormulaNotFound, ErrThresholdNotFound:
		return true
	}
	return false
}

type (
	// Repository gives access to the stored classes, grades and grading configuration.
	// Get* methods return one of the Err*NotFound errors when nothing matches.
	Repository interface {
		GetClass(ctx context.Context, classID string) (Class, error)
		// QueryStudents returns the class roster, inactive students included, ordered by name.
		QueryStudents(ctx context.Context, classID string) ([]Student, error)
		// QuerySubjects returns the class subjects ordered by name.
		QuerySubjects(ctx context.Context, classID string) ([]Subject, error)
		GetEvaluation(ctx context.Context, evaluationID string) (Evaluation, error)
		// QueryEvaluations returns the class evaluations of `schoolYear` (all years when empty), oldest first.
		QueryEvaluations(ctx context.Context, classID, schoolYear string) ([]Evaluation, error)

		GetFormulaConfig(ctx context.Context, classID string) (FormulaConfig, error)
		SaveFormulaConfig(ctx context.Context, cfg FormulaConfig) (FormulaConfig, error)
		GetThreshold(ctx context.Context, classID string) (Threshold, error)
		SaveThreshold(ctx context.Context, th Threshold) (Threshold, error)

		// QueryGrades applies AND operation on the non empty GradeFilter fields.
		QueryGrades(ctx context.Context, filter GradeFilter) ([]SubjectGrade, error)
		// UpsertGrades inserts or overwrites grades by (student, subject, evaluation).
		UpsertGrades(ctx context.Context, grades []SubjectGrade) error
		// ReplacePeriodAverages makes `averages` the only stored averages of the evaluation:
		// rows are overwritten by (student, evaluation) and students missing from `averages` are removed.
		ReplacePeriodAverages(ctx context.Context, evaluationID string, averages []PeriodAverage) error
		QueryPeriodAverages(ctx context.Context, evaluationID string, ordering []core.DBOrdering) ([]PeriodAverage, error)
	}

	// Recorder receives grading metrics.
	Recorder interface {
		FormulaFallbacks(classID string, n int)
		ObserveAggregation(kind string, d time.Duration)
	}

	ServiceInterface interface {
		GetFormulaConfig(ctx context.Context, classID string) (FormulaConfig, error)
		SaveFormulaConfig(ctx context.Context, classID string, uf UpdateFormulaConfig) (FormulaConfig, error)
		PreviewFormula(ctx context.Context, classID string, fp FormulaPreview) (FormulaPreviewResult, error)
		GetThreshold(ctx context.Context, classID string) (Threshold, error)
		SaveThreshold(ctx context.Context, classID string, ut UpdateThreshold) (Threshold, error)
		SaveGrades(ctx context.Context, classID, evaluationID string, sg SaveGrades) ([]SubjectGrade, error)
		ComputePeriod(ctx context.Context, classID, evaluationID string) (PeriodReport, error)
		RecordPeriod(ctx context.Context, classID, evaluationID string) (PeriodReport, error)
		QueryPeriodAverages(ctx context.Context, classID, evaluationID string, ordering []core.DBOrdering) ([]PeriodAverage, error)
		ComputeAnnual(ctx context.Context, classID, schoolYear string) (AnnualReport, error)
	}

	Service struct {
		repo   Repository
		logger core.Logger
		conf   *core.Config
		rec    Recorder
	}
)

var _ ServiceInterface = (*Service)(nil)

type nopRecorder struct{}

func (nopRecorder) FormulaFallbacks(string, int)             {}
func (nopRecorder) ObserveAggregation(string, time.Duration) {}

// NewService returns a grading Service. A nil Recorder discards metrics.
func NewService(repo Repository, logger core.Logger, conf *core.Config, rec Recorder) (*Service, error) {
	err := vala.BeginValidation().Validate(
		vala.IsNotNil(repo, "repo"),
		vala.IsNotNil(logger, "logger"),
		vala.IsNotNil(conf, "conf"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(err, "grading.NewService")
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{repo: repo, logger: logger, conf: conf, rec: rec}, nil
}

func (svc *Service) getFormulaConfig(ctx context.Context, classID string) (*FormulaConfig, error) {
	cfg, err := svc.repo.GetFormulaConfig(ctx, classID)
	if err != nil {
		if errors.Cause(err) == ErrFormulaNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting formula config")
	}
	return &cfg, nil
}

func (svc *Service) GetFormulaConfig(ctx context.Context, classID string) (FormulaConfig, error) {
	if _, err := svc.repo.GetClass(ctx, classID); err != nil {
		return FormulaConfig{}, err
	}
	return svc.repo.GetFormulaConfig(ctx, classID)
}

// SaveFormulaConfig replaces the class formula.
// Every subject the formula names must be one of the selected subjects.
func (svc *Service) SaveFormulaConfig(ctx context.Context, classID string, uf UpdateFormulaConfig) (FormulaConfig, error) {
	if _, err := svc.repo.GetClass(ctx, classID); err != nil {
		return FormulaConfig{}, err
	}
	subjects, err := svc.repo.QuerySubjects(ctx, classID)
	if err != nil {
		return FormulaConfig{}, errors.Wrap(err, "querying subjects")
	}

	subjectNames := make(map[string]string, len(subjects)) // {id: name}
	allNames := make([]string, 0, len(subjects))
	for _, sub := range subjects {
		subjectNames[sub.ID] = sub.Name
		allNames = append(allNames, sub.Name)
	}

	selectedNames := make([]string, 0, len(uf.SelectedSubjectIDs))
	for _, id := range uf.SelectedSubjectIDs {
		name, ok := subjectNames[id]
		if !ok {
			return FormulaConfig{}, core.NewValidationError(nil, core.FieldError{
				Field: "selectedSubjectIds",
				Error: fmt.Sprintf("subject %q does not belong to this class", id),
			})
		}
		selectedNames = append(selectedNames, name)
	}

	if uf.Formula == "" {
		uf.Formula = BuildFormula(selectedNames, uf.Divisor)
	} else if err := checkFormulaSubjects(uf.Formula, uf.Divisor, allNames, selectedNames); err != nil {
		return FormulaConfig{}, err
	}

	cfg := FormulaConfig{
		ClassID:            classID,
		Divisor:            uf.Divisor,
		Formula:            uf.Formula,
		SelectedSubjectIDs: uf.SelectedSubjectIDs,
		UpdatedAt:          NowFunc().UTC(),
	}
	return svc.repo.SaveFormulaConfig(ctx, cfg)
}

// checkFormulaSubjects returns a core.ValidationError when `formula` does not compile or names a
// subject that is not selected, suggesting the closest selected name.
func checkFormulaSubjects(formula string, divisor float64, allNames, selectedNames []string) error {
	f := ParseFormula(formula, divisor, allNames...)
	if err := f.Err(); err != nil {
		return core.NewValidationError(err, core.FieldError{Field: "formula", Error: err.Error()})
	}

	selected := make(map[string]bool, len(selectedNames))
	for _, name := range selectedNames {
		selected[name] = true
	}
	var problems []string
	for _, name := range f.Referenced() {
		if selected[name] {
			continue
		}
		msg := fmt.Sprintf("%q is not a selected subject", name)
		if match := closestName(name, selectedNames); match != "" {
			msg += fmt.Sprintf(", did you mean %q?", match)
		}
		problems = append(problems, msg)
	}
	if len(problems) > 0 {
		return core.NewValidationError(nil, core.FieldError{Field: "formula", Error: strings.Join(problems, "; ")})
	}
	return nil
}

// closestName returns the name of `names` most similar to `name`, "" if none is similar enough.
func closestName(name string, names []string) string {
	const cutoff = 0.6

	var best string
	bestRatio := cutoff
	for _, candidate := range names {
		m := difflib.NewMatcher(strings.Split(strings.ToLower(name), ""), strings.Split(strings.ToLower(candidate), ""))
		if m.RealQuickRatio() < bestRatio || m.QuickRatio() < bestRatio {
			continue
		}
		if ratio := m.Ratio(); ratio > bestRatio || (best == "" && ratio == bestRatio) {
			best, bestRatio = candidate, ratio
		}
	}
	return best
}

// PreviewFormula evaluates a formula against ad-hoc grades, without saving anything.
func (svc *Service) PreviewFormula(ctx context.Context, classID string, fp FormulaPreview) (FormulaPreviewResult, error) {
	subjects, err := svc.repo.QuerySubjects(ctx, classID)
	if err != nil {
		return FormulaPreviewResult{}, errors.Wrap(err, "querying subjects")
	}
	names := make([]string, 0, len(subjects)+len(fp.Grades))
	for _, sub := range subjects {
		names = append(names, sub.Name)
	}
	for name := range fp.Grades {
		names = append(names, name)
	}

	f := ParseFormula(fp.Formula, fp.Divisor, names...)
	avg, fellBack := f.Eval(fp.Grades)

	res := FormulaPreviewResult{Average: avg, FellBack: fellBack, Referenced: f.Referenced()}
	if err := f.Err(); err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// GetThreshold returns the class thresholds, defaults when the class has none.
func (svc *Service) GetThreshold(ctx context.Context, classID string) (Threshold, error) {
	th, err := svc.repo.GetThreshold(ctx, classID)
	if err != nil {
		if errors.Cause(err) == ErrThresholdNotFound {
			return DefaultThreshold(classID), nil
		}
		return Threshold{}, errors.Wrap(err, "getting threshold")
	}
	return th, nil
}

func (svc *Service) SaveThreshold(ctx context.Context, classID string, ut UpdateThreshold) (Threshold, error) {
	if _, err := svc.repo.GetClass(ctx, classID); err != nil {
		return Threshold{}, err
	}
	return svc.repo.SaveThreshold(ctx, Threshold{ClassID: classID, Admission: ut.Admission, Retention: ut.Retention})
}

// getEvaluation returns the evaluation, ErrEvaluationNotFound if it is not one of the class'.
func (svc *Service) getEvaluation(ctx context.Context, classID, evaluationID string) (Evaluation, error) {
	ev, err := svc.repo.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return Evaluation{}, err
	}
	if ev.ClassID != classID {
		return Evaluation{}, ErrEvaluationNotFound
	}
	return ev, nil
}

// SaveGrades upserts the notes of one evaluation; saving a grade again overwrites it.
func (svc *Service) SaveGrades(ctx context.Context, classID, evaluationID string, sg SaveGrades) ([]SubjectGrade, error) {
	if _, err := svc.getEvaluation(ctx, classID, evaluationID); err != nil {
		return nil, err
	}
	students, err := svc.repo.QueryStudents(ctx, classID)
	if err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	subjects, err := svc.repo.QuerySubjects(ctx, classID)
	if err != nil {
		return nil, errors.Wrap(err, "querying subjects")
	}

	roster := make(map[string]bool, len(students))
	for _, st := range students {
		roster[st.ID] = true
	}
	classSubjects := make(map[string]bool, len(subjects))
	for _, sub := range subjects {
		classSubjects[sub.ID] = true
	}

	now := NowFunc().UTC()
	grades := make([]SubjectGrade, 0, len(sg.Grades))
	for i, entry := range sg.Grades {
		if !roster[entry.StudentID] {
			return nil, core.NewValidationError(nil, core.ItemFieldError("grades", i, "studentId", "student does not belong to this class"))
		}
		if !classSubjects[entry.SubjectID] {
			return nil, core.NewValidationError(nil, core.ItemFieldError("grades", i, "subjectId", "subject does not belong to this class"))
		}
		grades = append(grades, SubjectGrade{
			StudentID:    entry.StudentID,
			SubjectID:    entry.SubjectID,
			EvaluationID: evaluationID,
			ClassID:      classID,
			Value:        entry.Value,
			IsAbsent:     entry.IsAbsent,
			UpdatedAt:    now,
		})
	}

	if err := svc.repo.UpsertGrades(ctx, grades); err != nil {
		return nil, errors.Wrap(err, "upserting grades")
	}
	return grades, nil
}

// ComputePeriod ranks the students of an evaluation from the stored grades.
func (svc *Service) ComputePeriod(ctx context.Context, classID, evaluationID string) (PeriodReport, error) {
	start := time.Now()
	if _, err := svc.repo.GetClass(ctx, classID); err != nil {
		return PeriodReport{}, err
	}
	ev, err := svc.getEvaluation(ctx, classID, evaluationID)
	if err != nil {
		return PeriodReport{}, err
	}

	students, subjects, cfg, err := svc.loadClass(ctx, classID)
	if err != nil {
		return PeriodReport{}, err
	}
	grades, incomplete, err := svc.loadGrades(ctx, classID, evaluationID, subjects)
	if err != nil {
		return PeriodReport{}, err
	}

	report := AggregatePeriod(PeriodInput{
		ClassID:      classID,
		EvaluationID: evaluationID,
		Students:     students,
		Subjects:     subjects,
		Grades:       grades,
		Config:       cfg,
	})
	report.EvaluationName = ev.Name
	report.IncompleteSubjects = incomplete
	svc.report(classID, report.FormulaStale, report.Fallbacks)
	svc.rec.ObserveAggregation("period", time.Since(start))
	return report, nil
}

// RecordPeriod computes the ranking of an evaluation and stores the average of every ranked student.
// Averages recorded earlier for students who are no longer ranked (absent, grades removed) are dropped.
func (svc *Service) RecordPeriod(ctx context.Context, classID, evaluationID string) (PeriodReport, error) {
	report, err := svc.ComputePeriod(ctx, classID, evaluationID)
	if err != nil {
		return PeriodReport{}, err
	}

	date := NowFunc().UTC()
	averages := make([]PeriodAverage, 0, len(report.Results))
	for _, res := range report.Results {
		averages = append(averages, PeriodAverage{
			StudentID:    res.Student.ID,
			EvaluationID: evaluationID,
			Average:      res.Average,
			Date:         date,
		})
	}
	if err := svc.repo.ReplacePeriodAverages(ctx, evaluationID, averages); err != nil {
		return PeriodReport{}, errors.Wrap(err, "replacing period averages")
	}
	return report, nil
}

func (svc *Service) QueryPeriodAverages(ctx context.Context, classID, evaluationID string, ordering []core.DBOrdering) ([]PeriodAverage, error) {
	if _, err := svc.getEvaluation(ctx, classID, evaluationID); err != nil {
		return nil, err
	}
	return svc.repo.QueryPeriodAverages(ctx, evaluationID, ordering)
}

// ComputeAnnual builds the bilan annuel of a class for `schoolYear`,
// the class' school year when empty.
func (svc *Service) ComputeAnnual(ctx context.Context, classID, schoolYear string) (AnnualReport, error) {
	start := time.Now()
	class, err := svc.repo.GetClass(ctx, classID)
	if err != nil {
		return AnnualReport{}, err
	}
	if schoolYear == "" {
		schoolYear = class.SchoolYear
	}
	if schoolYear == "" {
		schoolYear = svc.conf.Grading.SchoolYear
	}

	evaluations, err := svc.repo.QueryEvaluations(ctx, classID, schoolYear)
	if err != nil {
		return AnnualReport{}, errors.Wrap(err, "querying evaluations")
	}
	threshold, err := svc.GetThreshold(ctx, classID)
	if err != nil {
		return AnnualReport{}, err
	}
	students, subjects, cfg, err := svc.loadClass(ctx, classID)
	if err != nil {
		return AnnualReport{}, err
	}
	grades, incomplete, err := svc.loadGrades(ctx, classID, "", subjects)
	if err != nil {
		return AnnualReport{}, err
	}

	report := AggregateAnnual(AnnualInput{
		Class:       class,
		SchoolYear:  schoolYear,
		Evaluations: evaluations,
		Students:    students,
		Subjects:    subjects,
		Grades:      grades,
		Config:      cfg,
		Threshold:   threshold,
	})
	report.IncompleteSubjects = incomplete
	svc.report(classID, newAverager(subjects, cfg).stale, report.Fallbacks)
	svc.rec.ObserveAggregation("annual", time.Since(start))
	return report, nil
}

func (svc *Service) loadClass(ctx context.Context, classID string) ([]Student, []Subject, *FormulaConfig, error) {
	students, err := svc.repo.QueryStudents(ctx, classID)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "querying students")
	}
	subjects, err := svc.repo.QuerySubjects(ctx, classID)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "querying subjects")
	}
	cfg, err := svc.getFormulaConfig(ctx, classID)
	if err != nil {
		return nil, nil, nil, err
	}
	return students, subjects, cfg, nil
}

func (svc *Service) report(classID string, stale bool, fallbacks int) {
	if stale {
		svc.logger.Warn(fmt.Sprintf("grading: class %s formula uses removed subjects, plain mean used", classID))
	}
	if fallbacks > 0 {
		svc.logger.Warn(fmt.Sprintf("grading: class %s formula fell back for %d student(s)", classID, fallbacks))
		svc.rec.FormulaFallbacks(classID, fallbacks)
	}
}

// loadGrades fetches the grades of every subject concurrently and waits for all of them.
// A subject whose grades cannot be fetched is logged and reported as incomplete.
// An empty evaluationID loads the grades of every evaluation.
func (svc *Service) loadGrades(ctx context.Context, classID, evaluationID string, subjects []Subject) ([]SubjectGrade, []string, error) {
	limit := svc.conf.Grading.FetchConcurrency
	if limit < 1 {
		limit = 1
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		sem        = make(chan struct{}, limit)
		grades     []SubjectGrade
		incomplete []string
		failed     = make(map[string]bool)
	)
	for _, sub := range subjects {
		wg.Add(1)
		go func(sub Subject) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			sg, err := svc.repo.QueryGrades(ctx, GradeFilter{ClassID: classID, SubjectID: sub.ID, EvaluationID: evaluationID})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[sub.ID] = true
				svc.logger.Warn(fmt.Sprintf("grading.loadGrades(%s): %v", sub.Name, err), errors.Wrap(err, "querying subject grades"))
				return
			}
			grades = append(grades, sg...)
		}(sub)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for _, sub := range subjects {
		if failed[sub.ID] {
			incomplete = append(incomplete, sub.Name)
		}
	}
	return grades, incomplete, nil
}
