package inmemdb

import (
	"sync"

	"github.com/scolarflow/scolarflow/core/grading"
)

type (
	averageKey struct {
		studentID    string
		evaluationID string
	}

	// DB is an in-memory store for tests and local tooling.
	DB struct {
		mutex       sync.RWMutex
		classes     map[string]grading.Class
		students    map[string]grading.Student
		subjects    map[string]grading.Subject
		evaluations map[string]grading.Evaluation
		formulas    map[string]grading.FormulaConfig // {classID: config}
		thresholds  map[string]grading.Threshold     // {classID: threshold}
		grades      map[grading.GradeKey]grading.SubjectGrade
		averages    map[averageKey]grading.PeriodAverage

		// insertion order, used as roster order
		studentIDs []string
	}
)

func Open() *DB {
	db := &DB{}
	db.Reset()
	return db
}

// Reset empties every table.
func (db *DB) Reset() {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	db.classes = make(map[string]grading.Class)
	db.students = make(map[string]grading.Student)
	db.subjects = make(map[string]grading.Subject)
	db.evaluations = make(map[string]grading.Evaluation)
	db.formulas = make(map[string]grading.FormulaConfig)
	db.thresholds = make(map[string]grading.Threshold)
	db.grades = make(map[grading.GradeKey]grading.SubjectGrade)
	db.averages = make(map[averageKey]grading.PeriodAverage)
	db.studentIDs = nil
}

// PeriodAverageCount returns the number of stored period averages.
func (db *DB) PeriodAverageCount() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.averages)
}
