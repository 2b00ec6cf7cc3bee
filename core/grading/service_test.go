package grading_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	inmemdb "github.com/scolarflow/scolarflow/storage/database/inmem"
	testutil "github.com/scolarflow/scolarflow/tests"
)

var errFetch = errors.New("connection reset by peer")

// flakyRepository fails to return the grades of some subjects.
type flakyRepository struct {
	grading.Repository
	failing map[string]bool // {subjectID: true}
}

func (repo flakyRepository) QueryGrades(ctx context.Context, filter grading.GradeFilter) ([]grading.SubjectGrade, error) {
	if repo.failing[filter.SubjectID] {
		return nil, errFetch
	}
	return repo.Repository.QueryGrades(ctx, filter)
}

type recorderMock struct {
	fallbacks    map[string]int
	aggregations []string
}

func (rec *recorderMock) FormulaFallbacks(classID string, n int) { rec.fallbacks[classID] += n }
func (rec *recorderMock) ObserveAggregation(kind string, _ time.Duration) {
	rec.aggregations = append(rec.aggregations, kind)
}

type env struct {
	svc    *grading.Service
	db     *inmemdb.DB
	repo   grading.Repository
	fx     testutil.Fixture
	logger *testutil.LoggerMock
	rec    *recorderMock
}

func setup(t *testing.T, failingSubjects ...string) env {
	db := inmemdb.Open()
	repo := inmemdb.NewGradingRepository(db)
	fx := testutil.SeedClass(t, repo)

	failing := make(map[string]bool)
	for _, name := range failingSubjects {
		failing[fx.Subject(name).ID] = true
	}
	logger := new(testutil.LoggerMock)
	rec := &recorderMock{fallbacks: make(map[string]int)}

	var gradingRepo grading.Repository = repo
	if len(failing) > 0 {
		gradingRepo = flakyRepository{Repository: repo, failing: failing}
	}
	svc, err := grading.NewService(gradingRepo, logger, testutil.NewConfig(), rec)
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	return env{svc: svc, db: db, repo: repo, fx: fx, logger: logger, rec: rec}
}

func (e env) saveGrades(t *testing.T, period string, entries ...grading.GradeEntry) {
	_, err := e.svc.SaveGrades(context.Background(), e.fx.Class.ID, e.fx.Evaluations[period].ID, grading.SaveGrades{Grades: entries})
	if err != nil {
		t.Fatalf("saveGrades() failed: %v", err)
	}
}

func (e env) entry(student int, subject string, value float64) grading.GradeEntry {
	return grading.GradeEntry{StudentID: e.fx.Students[student].ID, SubjectID: e.fx.Subject(subject).ID, Value: value}
}

func (e env) absence(student int, subject string) grading.GradeEntry {
	return grading.GradeEntry{StudentID: e.fx.Students[student].ID, SubjectID: e.fx.Subject(subject).ID, IsAbsent: true}
}

func validationFields(err error) map[string]string {
	verr, ok := errors.Cause(err).(*core.ValidationError)
	if !ok {
		return nil
	}
	fields := make(map[string]string, len(verr.Fields))
	for _, f := range verr.Fields {
		fields[f.Field] = f.Error
	}
	return fields
}

func TestNewService(t *testing.T) {
	conf := testutil.NewConfig()
	logger := testutil.NewLogger(conf)
	repo := inmemdb.NewGradingRepository(inmemdb.Open())

	_, err := grading.NewService(nil, logger, conf, nil)
	assert.NotNil(t, err)
	_, err = grading.NewService(repo, nil, conf, nil)
	assert.NotNil(t, err)
	_, err = grading.NewService(repo, logger, nil, nil)
	assert.NotNil(t, err)

	svc, err := grading.NewService(repo, logger, conf, nil)
	assert.Nil(t, err)
	assert.NotNil(t, svc)
}

func TestService_SaveFormulaConfig(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	maths, francais := e.fx.Subject("Maths"), e.fx.Subject("Français")

	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	grading.NowFunc = func() time.Time { return now }
	defer func() { grading.NowFunc = time.Now }()

	tests := []struct {
		name        string
		classID     string
		data        grading.UpdateFormulaConfig
		wantErr     error
		wantField   string
		wantMsg     string
		wantFormula string
	}{
		{
			name:    "unknown class",
			classID: "nope",
			data:    grading.UpdateFormulaConfig{Divisor: 2, SelectedSubjectIDs: []string{maths.ID}},
			wantErr: grading.ErrClassNotFound,
		},
		{
			name:      "subject of another class",
			data:      grading.UpdateFormulaConfig{Divisor: 2, SelectedSubjectIDs: []string{maths.ID, "other"}},
			wantField: "selectedSubjectIds",
			wantMsg:   `subject "other" does not belong to this class`,
		},
		{
			name: "formula does not compile",
			data: grading.UpdateFormulaConfig{
				Divisor:            2,
				Formula:            "=(Maths + Français ÷ 2",
				SelectedSubjectIDs: []string{maths.ID, francais.ID},
			},
			wantField: "formula",
			wantMsg:   "unbalanced",
		},
		{
			name: "misspelled subject",
			data: grading.UpdateFormulaConfig{
				Divisor:            2,
				Formula:            "=(Maths + Francais) ÷ 2",
				SelectedSubjectIDs: []string{maths.ID, francais.ID},
			},
			wantField: "formula",
			wantMsg:   `"Francais" is not a selected subject, did you mean "Français"?`,
		},
		{
			name: "subject not selected",
			data: grading.UpdateFormulaConfig{
				Divisor:            2,
				Formula:            "=(Maths + Anglais) ÷ 2",
				SelectedSubjectIDs: []string{maths.ID, francais.ID},
			},
			wantField: "formula",
			wantMsg:   `"Anglais" is not a selected subject`,
		},
		{
			name:        "formula generated from the selection",
			data:        grading.UpdateFormulaConfig{Divisor: 2, SelectedSubjectIDs: []string{maths.ID, francais.ID}},
			wantFormula: "=(Maths + Français) ÷ 2",
		},
		{
			name: "custom formula",
			data: grading.UpdateFormulaConfig{
				Divisor:            3,
				Formula:            "=(Maths × 2 + Français) ÷ 3",
				SelectedSubjectIDs: []string{maths.ID, francais.ID},
			},
			wantFormula: "=(Maths × 2 + Français) ÷ 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classID := tt.classID
			if classID == "" {
				classID = e.fx.Class.ID
			}
			cfg, err := e.svc.SaveFormulaConfig(ctx, classID, tt.data)

			switch {
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, errors.Cause(err))
			case tt.wantField != "":
				fields := validationFields(err)
				if assert.Contains(t, fields, tt.wantField) {
					assert.Contains(t, fields[tt.wantField], tt.wantMsg)
				}
			default:
				if assert.Nil(t, err) {
					assert.Equal(t, tt.wantFormula, cfg.Formula)
					assert.Equal(t, now, cfg.UpdatedAt)

					saved, err := e.svc.GetFormulaConfig(ctx, classID)
					assert.Nil(t, err)
					assert.Equal(t, cfg, saved)
				}
			}
		})
	}
}

func TestService_GetFormulaConfig_notConfigured(t *testing.T) {
	e := setup(t)
	_, err := e.svc.GetFormulaConfig(context.Background(), e.fx.Class.ID)
	assert.Equal(t, grading.ErrFormulaNotFound, errors.Cause(err))
	assert.True(t, grading.IsNotFound(err))
}

func TestService_PreviewFormula(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data grading.FormulaPreview
		want grading.FormulaPreviewResult
	}{
		{
			name: "class subjects",
			data: grading.FormulaPreview{
				Formula: "=(Maths + Français) ÷ 2",
				Divisor: 2,
				Grades:  map[string]float64{"Maths": 14, "Français": 16},
			},
			want: grading.FormulaPreviewResult{Average: 15, Referenced: []string{"Maths", "Français"}},
		},
		{
			name: "ad-hoc subject",
			data: grading.FormulaPreview{
				Formula: "=Anglais oral * 2",
				Divisor: 1,
				Grades:  map[string]float64{"Anglais oral": 7.5},
			},
			want: grading.FormulaPreviewResult{Average: 15, Referenced: []string{"Anglais oral"}},
		},
		{
			name: "fallback",
			data: grading.FormulaPreview{
				Formula: "=(Maths + Français",
				Divisor: 2,
				Grades:  map[string]float64{"Maths": 14, "Français": 16},
			},
			want: grading.FormulaPreviewResult{
				Average:    15,
				FellBack:   true,
				Referenced: []string{"Maths", "Français"},
				Error:      "unbalanced '(': invalid formula",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.svc.PreviewFormula(ctx, e.fx.Class.ID, tt.data)
			assert.Nil(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_Thresholds(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID

	th, err := e.svc.GetThreshold(ctx, classID)
	assert.Nil(t, err)
	assert.Equal(t, grading.DefaultThreshold(classID), th)

	_, err = e.svc.SaveThreshold(ctx, "nope", grading.UpdateThreshold{Admission: 12, Retention: 9})
	assert.Equal(t, grading.ErrClassNotFound, errors.Cause(err))

	th, err = e.svc.SaveThreshold(ctx, classID, grading.UpdateThreshold{Admission: 12, Retention: 9})
	assert.Nil(t, err)
	assert.Equal(t, grading.Threshold{ClassID: classID, Admission: 12, Retention: 9}, th)

	th, err = e.svc.GetThreshold(ctx, classID)
	assert.Nil(t, err)
	assert.Equal(t, 12.0, th.Admission)
}

func TestService_SaveGrades(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID
	evID := e.fx.Evaluations[grading.EvaluationOne].ID

	t.Run("unknown evaluation", func(t *testing.T) {
		_, err := e.svc.SaveGrades(ctx, classID, "nope", grading.SaveGrades{Grades: []grading.GradeEntry{e.entry(0, "Maths", 10)}})
		assert.Equal(t, grading.ErrEvaluationNotFound, errors.Cause(err))
	})

	t.Run("evaluation of another class", func(t *testing.T) {
		_, err := e.svc.SaveGrades(ctx, "other", evID, grading.SaveGrades{Grades: []grading.GradeEntry{e.entry(0, "Maths", 10)}})
		assert.Equal(t, grading.ErrEvaluationNotFound, errors.Cause(err))
	})

	t.Run("student outside the roster", func(t *testing.T) {
		entries := []grading.GradeEntry{e.entry(0, "Maths", 10), {StudentID: "stranger", SubjectID: e.fx.Subject("Maths").ID}}
		_, err := e.svc.SaveGrades(ctx, classID, evID, grading.SaveGrades{Grades: entries})
		assert.Contains(t, validationFields(err), "grades[1].studentId")
	})

	t.Run("subject outside the class", func(t *testing.T) {
		entries := []grading.GradeEntry{{StudentID: e.fx.Students[0].ID, SubjectID: "Physique"}}
		_, err := e.svc.SaveGrades(ctx, classID, evID, grading.SaveGrades{Grades: entries})
		assert.Contains(t, validationFields(err), "grades[0].subjectId")
	})

	t.Run("saving again overwrites", func(t *testing.T) {
		e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 10))
		e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 13.5))

		grades, err := e.repo.QueryGrades(ctx, grading.GradeFilter{EvaluationID: evID, StudentID: e.fx.Students[0].ID})
		assert.Nil(t, err)
		if assert.Len(t, grades, 1) {
			assert.Equal(t, 13.5, grades[0].Value)
			assert.Equal(t, classID, grades[0].ClassID)
		}
	})
}

func TestService_ComputePeriod(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID
	evID := e.fx.Evaluations[grading.EvaluationOne].ID

	e.saveGrades(t, grading.EvaluationOne,
		e.entry(0, "Maths", 14), e.entry(0, "Français", 16), e.entry(0, "Anglais", 4),
		e.entry(1, "Maths", 18), e.entry(1, "Français", 17),
		e.entry(2, "Maths", 20), e.absence(2, "Anglais"),
		e.entry(3, "Maths", 20),
	)

	t.Run("plain mean", func(t *testing.T) {
		report, err := e.svc.ComputePeriod(ctx, classID, evID)
		assert.Nil(t, err)
		assert.Nil(t, report.Formula)
		assert.Equal(t, map[string]float64{e.fx.Students[0].ID: 11.33, e.fx.Students[1].ID: 17.5}, report.Averages())
		assert.Equal(t, e.fx.Students[1].ID, report.Results[0].Student.ID)
	})

	t.Run("class formula", func(t *testing.T) {
		_, err := e.svc.SaveFormulaConfig(ctx, classID, grading.UpdateFormulaConfig{
			Divisor:            2,
			SelectedSubjectIDs: []string{e.fx.Subject("Maths").ID, e.fx.Subject("Français").ID},
		})
		assert.Nil(t, err)

		report, err := e.svc.ComputePeriod(ctx, classID, evID)
		assert.Nil(t, err)
		if assert.NotNil(t, report.Formula) {
			assert.Equal(t, "=(Maths + Français) ÷ 2", report.Formula.Formula)
		}
		assert.Equal(t, map[string]float64{e.fx.Students[0].ID: 15, e.fx.Students[1].ID: 17.5}, report.Averages())
		assert.Equal(t, []int{1, 2}, []int{report.Results[0].Rank, report.Results[1].Rank})
		assert.Empty(t, report.IncompleteSubjects)
	})

	t.Run("unknown evaluation", func(t *testing.T) {
		_, err := e.svc.ComputePeriod(ctx, classID, "nope")
		assert.True(t, grading.IsNotFound(err))
	})

	t.Run("unknown class", func(t *testing.T) {
		_, err := e.svc.ComputePeriod(ctx, "nope", evID)
		assert.Equal(t, grading.ErrClassNotFound, errors.Cause(err))
	})

	assert.Equal(t, []string{"period", "period"}, e.rec.aggregations)
}

func TestService_ComputePeriod_staleFormula(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID
	evID := e.fx.Evaluations[grading.EvaluationOne].ID

	_, err := e.svc.SaveFormulaConfig(ctx, classID, grading.UpdateFormulaConfig{
		Divisor:            1,
		SelectedSubjectIDs: []string{e.fx.Subject("Maths").ID},
	})
	assert.Nil(t, err)
	e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 14), e.entry(0, "Anglais", 10))

	repo := inmemdb.NewGradingRepository(e.db)
	assert.Nil(t, repo.DeleteSubject(ctx, e.fx.Subject("Maths").ID))

	report, err := e.svc.ComputePeriod(ctx, classID, evID)
	assert.Nil(t, err)
	assert.True(t, report.FormulaStale)
	assert.Nil(t, report.Formula)
	assert.Equal(t, map[string]float64{e.fx.Students[0].ID: 10}, report.Averages())
	assert.Len(t, e.logger.Entries("warn"), 1)
}

func TestService_ComputePeriod_fallbackIsRecorded(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID

	_, err := e.svc.SaveFormulaConfig(ctx, classID, grading.UpdateFormulaConfig{
		Divisor:            2,
		Formula:            "=(Maths + Français) ÷ (Anglais - Anglais)",
		SelectedSubjectIDs: []string{e.fx.Subject("Maths").ID, e.fx.Subject("Français").ID, e.fx.Subject("Anglais").ID},
	})
	assert.Nil(t, err)
	e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 14), e.entry(0, "Français", 16), e.entry(0, "Anglais", 3))

	report, err := e.svc.ComputePeriod(ctx, classID, e.fx.Evaluations[grading.EvaluationOne].ID)
	assert.Nil(t, err)
	assert.Equal(t, 1, report.Fallbacks)
	assert.Equal(t, map[string]float64{e.fx.Students[0].ID: 16.5}, report.Averages())
	assert.Equal(t, 1, e.rec.fallbacks[classID])
	assert.Len(t, e.logger.Entries("warn"), 1)
}

func TestService_ComputePeriod_partialFailure(t *testing.T) {
	e := setup(t, "Français")
	ctx := context.Background()

	e.saveGrades(t, grading.EvaluationOne,
		e.entry(0, "Maths", 12), e.entry(0, "Français", 20),
		e.entry(1, "Français", 15),
	)

	report, err := e.svc.ComputePeriod(ctx, e.fx.Class.ID, e.fx.Evaluations[grading.EvaluationOne].ID)
	assert.Nil(t, err)
	assert.Equal(t, []string{"Français"}, report.IncompleteSubjects)
	assert.Equal(t, map[string]float64{e.fx.Students[0].ID: 12}, report.Averages())

	warnings := e.logger.Entries("warn")
	if assert.Len(t, warnings, 1) {
		assert.True(t, strings.Contains(warnings[0].Msg, errFetch.Error()))
	}
}

func TestService_ComputePeriod_canceled(t *testing.T) {
	e := setup(t)
	e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 12))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.svc.ComputePeriod(ctx, e.fx.Class.ID, e.fx.Evaluations[grading.EvaluationOne].ID)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestService_RecordPeriod(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID
	evID := e.fx.Evaluations[grading.EvaluationTwo].ID

	now := time.Date(2024, time.January, 20, 12, 0, 0, 0, time.UTC)
	grading.NowFunc = func() time.Time { return now }
	defer func() { grading.NowFunc = time.Now }()

	e.saveGrades(t, grading.EvaluationTwo,
		e.entry(0, "Maths", 9), e.entry(1, "Maths", 15), e.entry(2, "Maths", 12),
	)

	for i := 0; i < 2; i++ {
		report, err := e.svc.RecordPeriod(ctx, classID, evID)
		assert.Nil(t, err)
		assert.Len(t, report.Results, 3)
		assert.Equal(t, 3, e.db.PeriodAverageCount())
	}

	averages, err := e.svc.QueryPeriodAverages(ctx, classID, evID, nil)
	assert.Nil(t, err)
	want := []grading.PeriodAverage{
		{StudentID: e.fx.Students[1].ID, EvaluationID: evID, Average: 15, Date: now},
		{StudentID: e.fx.Students[2].ID, EvaluationID: evID, Average: 12, Date: now},
		{StudentID: e.fx.Students[0].ID, EvaluationID: evID, Average: 9, Date: now},
	}
	assert.Equal(t, want, averages)

	averages, err = e.svc.QueryPeriodAverages(ctx, classID, evID, []core.DBOrdering{{Field: "average", Ascending: true}})
	assert.Nil(t, err)
	assert.Equal(t, e.fx.Students[0].ID, averages[0].StudentID)

	_, err = e.svc.QueryPeriodAverages(ctx, "other", evID, nil)
	assert.Equal(t, grading.ErrEvaluationNotFound, errors.Cause(err))
}

func TestService_RecordPeriod_absentStudentIsDropped(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID
	evID := e.fx.Evaluations[grading.EvaluationOne].ID

	e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 12), e.entry(1, "Maths", 15))
	_, err := e.svc.RecordPeriod(ctx, classID, evID)
	assert.Nil(t, err)
	assert.Equal(t, 2, e.db.PeriodAverageCount())

	e.saveGrades(t, grading.EvaluationOne, e.absence(0, "Maths"))
	report, err := e.svc.RecordPeriod(ctx, classID, evID)
	assert.Nil(t, err)
	assert.Len(t, report.Results, 1)

	averages, err := e.svc.QueryPeriodAverages(ctx, classID, evID, nil)
	assert.Nil(t, err)
	if assert.Len(t, averages, 1) {
		assert.Equal(t, e.fx.Students[1].ID, averages[0].StudentID)
		assert.Equal(t, 15.0, averages[0].Average)
	}
	assert.Equal(t, 1, e.db.PeriodAverageCount())
}

func TestService_ComputeAnnual_fallbacksAreRecorded(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID

	_, err := e.svc.SaveFormulaConfig(ctx, classID, grading.UpdateFormulaConfig{
		Divisor:            2,
		Formula:            "=(Maths + Français) ÷ (Anglais - Anglais)",
		SelectedSubjectIDs: []string{e.fx.Subject("Maths").ID, e.fx.Subject("Français").ID, e.fx.Subject("Anglais").ID},
	})
	assert.Nil(t, err)
	e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 14), e.entry(0, "Français", 16), e.entry(0, "Anglais", 3))
	e.saveGrades(t, grading.CompositionPassage, e.entry(0, "Maths", 10), e.entry(0, "Français", 12), e.entry(0, "Anglais", 3))

	report, err := e.svc.ComputeAnnual(ctx, classID, "")
	assert.Nil(t, err)
	assert.Equal(t, 2, report.Fallbacks)
	assert.Equal(t, 2, e.rec.fallbacks[classID])
	assert.Contains(t, e.rec.aggregations, "annual")
}

func TestService_ComputeAnnual(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	classID := e.fx.Class.ID

	e.saveGrades(t, grading.EvaluationOne, e.entry(0, "Maths", 16), e.entry(1, "Maths", 8), e.entry(2, "Maths", 12))
	e.saveGrades(t, grading.EvaluationTwo, e.entry(0, "Maths", 14), e.entry(1, "Maths", 9), e.entry(2, "Maths", 12))
	e.saveGrades(t, grading.CompositionPassage, e.entry(0, "Maths", 15), e.entry(1, "Maths", 7), e.absence(2, "Maths"))

	report, err := e.svc.ComputeAnnual(ctx, classID, "")
	assert.Nil(t, err)
	assert.Equal(t, testutil.SchoolYear, report.SchoolYear)
	assert.Equal(t, grading.DefaultThreshold(classID), report.Threshold)
	assert.Len(t, report.Evaluations, 4)

	if assert.Len(t, report.Results, 3) {
		first := report.Results[0]
		assert.Equal(t, e.fx.Students[0].ID, first.Student.ID)
		assert.False(t, first.MoyCompo3.Valid) // run, but nobody was graded
		assert.Equal(t, 15.0, first.MoyAnnuelle.Float64)
		assert.Equal(t, 15.0, first.MGA.Float64)
		assert.Equal(t, grading.DecisionAdmitted, first.Decision)

		assert.Equal(t, grading.DecisionRetained, report.Results[1].Decision)

		last := report.Results[2]
		assert.Equal(t, e.fx.Students[2].ID, last.Student.ID)
		assert.False(t, last.MGA.Valid)
		assert.Equal(t, grading.DecisionNone, last.Decision)
	}
	assert.Equal(t, 33, report.Stats.PassRate)
	assert.Equal(t, 1, report.Stats.Dropouts)

	report, err = e.svc.ComputeAnnual(ctx, classID, "2019-2020")
	assert.Nil(t, err)
	assert.Empty(t, report.Evaluations)

	_, err = e.svc.ComputeAnnual(ctx, "nope", "")
	assert.Equal(t, grading.ErrClassNotFound, errors.Cause(err))
}
