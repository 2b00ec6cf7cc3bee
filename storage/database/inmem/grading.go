package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
)

type gradingRepository struct {
	db *DB
}

var _ grading.Repository = (*gradingRepository)(nil) // interface compliance check

func NewGradingRepository(db *DB) *gradingRepository {
	return &gradingRepository{db: db}
}

func newID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// Seeding. Classes, rosters, subjects and evaluations are managed outside of grading.

func (repo *gradingRepository) CreateClass(ctx context.Context, class grading.Class) (grading.Class, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	class.ID = newID(class.ID)
	repo.db.classes[class.ID] = class
	return class, nil
}

func (repo *gradingRepository) CreateStudent(ctx context.Context, st grading.Student) (grading.Student, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	st.ID = newID(st.ID)
	if _, ok := repo.db.students[st.ID]; !ok {
		repo.db.studentIDs = append(repo.db.studentIDs, st.ID)
	}
	repo.db.students[st.ID] = st
	return st, nil
}

func (repo *gradingRepository) CreateSubject(ctx context.Context, sub grading.Subject) (grading.Subject, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	sub.ID = newID(sub.ID)
	repo.db.subjects[sub.ID] = sub
	return sub, nil
}

func (repo *gradingRepository) DeleteSubject(ctx context.Context, id string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	delete(repo.db.subjects, id)
	return nil
}

func (repo *gradingRepository) CreateEvaluation(ctx context.Context, ev grading.Evaluation) (grading.Evaluation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	ev.ID = newID(ev.ID)
	repo.db.evaluations[ev.ID] = ev
	return ev, nil
}

// grading.Repository

func (repo *gradingRepository) GetClass(ctx context.Context, classID string) (grading.Class, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if class, ok := repo.db.classes[classID]; ok {
		return class, nil
	}
	return grading.Class{}, grading.ErrClassNotFound
}

func (repo *gradingRepository) QueryStudents(ctx context.Context, classID string) ([]grading.Student, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	students := make([]grading.Student, 0)
	for _, id := range repo.db.studentIDs {
		if st := repo.db.students[id]; st.ClassID == classID {
			students = append(students, st)
		}
	}
	sort.SliceStable(students, func(i, j int) bool {
		return strings.ToLower(students[i].FullName()) < strings.ToLower(students[j].FullName())
	})
	return students, nil
}

func (repo *gradingRepository) QuerySubjects(ctx context.Context, classID string) ([]grading.Subject, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	subjects := make([]grading.Subject, 0)
	for _, sub := range repo.db.subjects {
		if sub.ClassID == classID {
			subjects = append(subjects, sub)
		}
	}
	sort.Slice(subjects, func(i, j int) bool {
		if subjects[i].Name == subjects[j].Name {
			return subjects[i].ID < subjects[j].ID
		}
		return subjects[i].Name < subjects[j].Name
	})
	return subjects, nil
}

func (repo *gradingRepository) GetEvaluation(ctx context.Context, evaluationID string) (grading.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if ev, ok := repo.db.evaluations[evaluationID]; ok {
		return ev, nil
	}
	return grading.Evaluation{}, grading.ErrEvaluationNotFound
}

func (repo *gradingRepository) QueryEvaluations(ctx context.Context, classID, schoolYear string) ([]grading.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	evaluations := make([]grading.Evaluation, 0)
	for _, ev := range repo.db.evaluations {
		if ev.ClassID != classID || (schoolYear != "" && ev.SchoolYear != schoolYear) {
			continue
		}
		evaluations = append(evaluations, ev)
	}
	sort.Slice(evaluations, func(i, j int) bool {
		if evaluations[i].Date.Equal(evaluations[j].Date) {
			return evaluations[i].ID < evaluations[j].ID
		}
		return evaluations[i].Date.Before(evaluations[j].Date)
	})
	return evaluations, nil
}

func (repo *gradingRepository) GetFormulaConfig(ctx context.Context, classID string) (grading.FormulaConfig, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if cfg, ok := repo.db.formulas[classID]; ok {
		cfg.SelectedSubjectIDs = append([]string(nil), cfg.SelectedSubjectIDs...)
		return cfg, nil
	}
	return grading.FormulaConfig{}, grading.ErrFormulaNotFound
}

func (repo *gradingRepository) SaveFormulaConfig(ctx context.Context, cfg grading.FormulaConfig) (grading.FormulaConfig, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	cfg.SelectedSubjectIDs = append([]string(nil), cfg.SelectedSubjectIDs...)
	repo.db.formulas[cfg.ClassID] = cfg
	return cfg, nil
}

func (repo *gradingRepository) GetThreshold(ctx context.Context, classID string) (grading.Threshold, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if th, ok := repo.db.thresholds[classID]; ok {
		return th, nil
	}
	return grading.Threshold{}, grading.ErrThresholdNotFound
}

func (repo *gradingRepository) SaveThreshold(ctx context.Context, th grading.Threshold) (grading.Threshold, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.thresholds[th.ClassID] = th
	return th, nil
}

func (repo *gradingRepository) QueryGrades(ctx context.Context, filter grading.GradeFilter) ([]grading.SubjectGrade, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	match := func(want, got string) bool { return want == "" || want == got }
	grades := make([]grading.SubjectGrade, 0)
	for _, g := range repo.db.grades {
		if match(filter.ClassID, g.ClassID) &&
			match(filter.SubjectID, g.SubjectID) &&
			match(filter.EvaluationID, g.EvaluationID) &&
			match(filter.StudentID, g.StudentID) {
			grades = append(grades, g)
		}
	}
	sort.Slice(grades, func(i, j int) bool {
		a, b := grades[i].Key(), grades[j].Key()
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		return a.EvaluationID < b.EvaluationID
	})
	return grades, nil
}

func (repo *gradingRepository) UpsertGrades(ctx context.Context, grades []grading.SubjectGrade) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, g := range grades {
		repo.db.grades[g.Key()] = g
	}
	return nil
}

func (repo *gradingRepository) ReplacePeriodAverages(ctx context.Context, evaluationID string, averages []grading.PeriodAverage) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	ranked := make(map[string]bool, len(averages))
	for _, avg := range averages {
		ranked[avg.StudentID] = true
	}
	for key := range repo.db.averages {
		if key.evaluationID == evaluationID && !ranked[key.studentID] {
			delete(repo.db.averages, key)
		}
	}
	for _, avg := range averages {
		avg.EvaluationID = evaluationID
		repo.db.averages[averageKey{studentID: avg.StudentID, evaluationID: evaluationID}] = avg
	}
	return nil
}

// QueryPeriodAverages orders by average (highest first) unless `ordering` says otherwise.
// Supported ordering fields: average, date, student_id.
func (repo *gradingRepository) QueryPeriodAverages(ctx context.Context, evaluationID string, ordering []core.DBOrdering) ([]grading.PeriodAverage, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	averages := make([]grading.PeriodAverage, 0)
	for _, avg := range repo.db.averages {
		if avg.EvaluationID == evaluationID {
			averages = append(averages, avg)
		}
	}
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "average"}, {Field: "student_id", Ascending: true}}
	}
	sort.SliceStable(averages, func(i, j int) bool {
		a, b := averages[i], averages[j]
		for _, ord := range ordering {
			var cmp int
			switch ord.Field {
			case "average":
				cmp = compareFloats(a.Average, b.Average)
			case "date":
				cmp = compareFloats(float64(a.Date.UnixNano()), float64(b.Date.UnixNano()))
			case "student_id":
				cmp = strings.Compare(a.StudentID, b.StudentID)
			}
			if cmp == 0 {
				continue
			}
			if ord.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
	return averages, nil
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
