package grading

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/scolarflow/scolarflow/core"
)

// Evaluation periods combined by the annual report, matched by exact name.
const (
	EvaluationOne      = "EVALUATION N°1"
	EvaluationTwo      = "EVALUATION N°2"
	EvaluationThree    = "EVALUATION N°3"
	CompositionPassage = "COMPOSITION DE PASSAGE"
)

// Class thresholds used when a class has none configured.
const (
	DefaultAdmissionAverage = 10.0
	DefaultRetentionAverage = 8.5
)

const MaxGrade = 20

type Decision string

const (
	DecisionNone     Decision = ""
	DecisionAdmitted Decision = "ADMIS"
	DecisionRetained Decision = "REDOUBLER"
)

type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

type Class struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	SchoolYear string `json:"schoolYear" db:"school_year"`
}

type Student struct {
	ID        string `json:"id" db:"id"`
	ClassID   string `json:"classId" db:"class_id"`
	FirstName string `json:"firstName" db:"first_name"`
	LastName  string `json:"lastName" db:"last_name"`
	Gender    Gender `json:"gender" db:"gender"`
	IsActive  bool   `json:"isActive" db:"is_active"`
}

func (s Student) FullName() string {
	return strings.TrimSpace(s.LastName + " " + s.FirstName)
}

type Subject struct {
	ID      string `json:"id" db:"id"`
	ClassID string `json:"classId" db:"class_id"`
	Name    string `json:"name" db:"name"`
}

type Evaluation struct {
	ID         string    `json:"id" db:"id"`
	ClassID    string    `json:"classId" db:"class_id"`
	Name       string    `json:"name" db:"name"`
	SchoolYear string    `json:"schoolYear" db:"school_year"`
	Date       time.Time `json:"date" db:"date"`
}

// SubjectGrade is unique per (StudentID, SubjectID, EvaluationID); saving it again overwrites it.
type SubjectGrade struct {
	StudentID    string    `json:"studentId" db:"student_id"`
	SubjectID    string    `json:"subjectId" db:"subject_id"`
	EvaluationID string    `json:"evaluationId" db:"evaluation_id"`
	ClassID      string    `json:"classId" db:"class_id"`
	Value        float64   `json:"value" db:"value"`
	IsAbsent     bool      `json:"isAbsent" db:"is_absent"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

type GradeKey struct {
	StudentID    string
	SubjectID    string
	EvaluationID string
}

func (g SubjectGrade) Key() GradeKey {
	return GradeKey{StudentID: g.StudentID, SubjectID: g.SubjectID, EvaluationID: g.EvaluationID}
}

// FormulaConfig is the per-class average formula, eg: "=(Maths + Français) ÷ 2".
// Formula refers to subjects by display name.
type FormulaConfig struct {
	ClassID            string    `json:"classId"`
	Divisor            float64   `json:"divisor"`
	Formula            string    `json:"formula"`
	SelectedSubjectIDs []string  `json:"selectedSubjectIds"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Threshold holds a class' admission and retention averages ("seuils de classe").
type Threshold struct {
	ClassID   string  `json:"classId" db:"class_id"`
	Admission float64 `json:"moyenneAdmission" db:"admission"`
	Retention float64 `json:"moyenneRedoublement" db:"retention"`
}

func DefaultThreshold(classID string) Threshold {
	return Threshold{ClassID: classID, Admission: DefaultAdmissionAverage, Retention: DefaultRetentionAverage}
}

// PeriodAverage is the persisted "moyenne" of a student for one evaluation,
// unique per (StudentID, EvaluationID).
type PeriodAverage struct {
	StudentID    string    `json:"studentId" db:"student_id"`
	EvaluationID string    `json:"evaluationId" db:"evaluation_id"`
	Average      float64   `json:"average" db:"average"`
	Date         time.Time `json:"date" db:"date"`
}

type PeriodResult struct {
	Student Student            `json:"student"`
	Notes   map[string]float64 `json:"notes"` // {subjectID: grade}
	Total   float64            `json:"total"`
	Average float64            `json:"average"`
	Rank    int                `json:"rank"`
}

type PeriodReport struct {
	ClassID        string         `json:"classId"`
	EvaluationID   string         `json:"evaluationId"`
	EvaluationName string         `json:"evaluationName"`
	Subjects       []Subject      `json:"subjects"`
	Formula        *FormulaConfig `json:"formula"` // nil when the plain mean was used
	FormulaStale   bool           `json:"formulaStale"`
	Fallbacks      int            `json:"fallbacks"` // number of averages computed by the formula fallback
	Results        []PeriodResult `json:"results"`

	// IncompleteSubjects lists the subjects whose grades could not be fetched.
	IncompleteSubjects []string `json:"incompleteSubjects,omitempty"`
}

type AnnualResult struct {
	Student         Student      `json:"student"`
	MoyCompo1       null.Float64 `json:"moyCompo1"`
	MoyCompo2       null.Float64 `json:"moyCompo2"`
	MoyCompo3       null.Float64 `json:"moyCompo3"`
	MoyAnnuelle     null.Float64 `json:"moyAnnuelle"`
	MoyCompoPassage null.Float64 `json:"moyCompoPassage"`
	MGA             null.Float64 `json:"mga"`
	Decision        Decision     `json:"decision"`
}

type GenderCount struct {
	Boys  int `json:"boys"`
	Girls int `json:"girls"`
	Total int `json:"total"`
}

func (gc *GenderCount) add(g Gender) {
	switch g {
	case GenderMale:
		gc.Boys++
	case GenderFemale:
		gc.Girls++
	}
	gc.Total++
}

type Stats struct {
	Enrolled GenderCount `json:"enrolled"`
	Present  GenderCount `json:"present"`
	Admitted GenderCount `json:"admitted"`
	Dropouts int         `json:"dropouts"`
	PassRate int         `json:"passRate"` // percentage of enrolled students admitted
}

type AnnualReport struct {
	Class       Class             `json:"class"`
	SchoolYear  string            `json:"schoolYear"`
	Threshold   Threshold         `json:"threshold"`
	Evaluations map[string]string `json:"evaluations"` // {period name: evaluation ID}, run periods only
	Results     []AnnualResult    `json:"results"`
	Stats       Stats             `json:"stats"`
	Fallbacks   int               `json:"fallbacks"` // formula fallbacks over every recomputed period

	IncompleteSubjects []string `json:"incompleteSubjects,omitempty"`
}

// UpdateFormulaConfig defines what may be provided to set a class' formula.
// An empty Formula is regenerated from the selected subjects.
type UpdateFormulaConfig struct {
	Divisor            float64  `json:"divisor" validate:"gt=0"`
	Formula            string   `json:"formula" validate:"omitempty,formula"`
	SelectedSubjectIDs []string `json:"selectedSubjectIds" validate:"required,min=1,unique,dive,notblank"`
}

func (uf *UpdateFormulaConfig) Validate(validate *validator.Validate) error {
	uf.Formula = core.CleanString(uf.Formula)
	for i, id := range uf.SelectedSubjectIDs {
		uf.SelectedSubjectIDs[i] = core.CleanString(id)
	}
	return validate.Struct(uf)
}

type UpdateThreshold struct {
	Admission float64 `json:"moyenneAdmission" validate:"gte=0,lte=20"`
	Retention float64 `json:"moyenneRedoublement" validate:"gte=0,lte=20"`
}

func (ut UpdateThreshold) Validate(validate *validator.Validate) error { return validate.Struct(ut) }

type GradeEntry struct {
	StudentID string  `json:"studentId" validate:"notblank"`
	SubjectID string  `json:"subjectId" validate:"notblank"`
	Value     float64 `json:"value" validate:"gte=0,lte=20"`
	IsAbsent  bool    `json:"isAbsent"`
}

type SaveGrades struct {
	Grades []GradeEntry `json:"grades" validate:"required,min=1,dive"`
}

func (sg *SaveGrades) Validate(validate *validator.Validate) error {
	for i := range sg.Grades {
		sg.Grades[i].StudentID = core.CleanString(sg.Grades[i].StudentID)
		sg.Grades[i].SubjectID = core.CleanString(sg.Grades[i].SubjectID)
	}
	return validate.Struct(sg)
}

// FormulaPreview evaluates a formula against ad-hoc grades keyed by subject name.
// Divisor must be positive: a zero divisor yields +Inf, which JSON cannot encode.
type FormulaPreview struct {
	Formula string             `json:"formula" validate:"notblank"`
	Divisor float64            `json:"divisor" validate:"gt=0"`
	Grades  map[string]float64 `json:"grades"`
}

func (fp *FormulaPreview) Validate(validate *validator.Validate) error {
	fp.Formula = core.CleanString(fp.Formula)
	return validate.Struct(fp)
}

type FormulaPreviewResult struct {
	Average    float64  `json:"average"`
	FellBack   bool     `json:"fellBack"`
	Referenced []string `json:"referenced"`
	Error      string   `json:"error,omitempty"`
}

type GradeFilter struct {
	ClassID      string
	SubjectID    string
	EvaluationID string
	StudentID    string
}
