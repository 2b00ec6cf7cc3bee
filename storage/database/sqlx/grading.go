package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
)

type (
	evaluationRow struct {
		ID         string    `db:"id"`
		ClassID    string    `db:"class_id"`
		Name       string    `db:"name"`
		SchoolYear string    `db:"school_year"`
		Date       null.Time `db:"date"`
	}

	formulaRow struct {
		ClassID            string         `db:"class_id"`
		Divisor            float64        `db:"divisor"`
		Formula            string         `db:"formula"`
		SelectedSubjectIDs pq.StringArray `db:"selected_subject_ids"`
		UpdatedAt          time.Time      `db:"updated_at"`
	}

	// gradeRow.Value is NULL for absences.
	gradeRow struct {
		StudentID    string       `db:"student_id"`
		SubjectID    string       `db:"subject_id"`
		EvaluationID string       `db:"evaluation_id"`
		ClassID      string       `db:"class_id"`
		Value        null.Float64 `db:"value"`
		IsAbsent     bool         `db:"is_absent"`
		UpdatedAt    time.Time    `db:"updated_at"`
	}
)

func (row evaluationRow) unwrap() grading.Evaluation {
	return grading.Evaluation{
		ID:         row.ID,
		ClassID:    row.ClassID,
		Name:       row.Name,
		SchoolYear: row.SchoolYear,
		Date:       row.Date.Time,
	}
}

func (row formulaRow) unwrap() grading.FormulaConfig {
	return grading.FormulaConfig{
		ClassID:            row.ClassID,
		Divisor:            row.Divisor,
		Formula:            row.Formula,
		SelectedSubjectIDs: []string(row.SelectedSubjectIDs),
		UpdatedAt:          row.UpdatedAt,
	}
}

func wrapGrade(g grading.SubjectGrade) gradeRow {
	return gradeRow{
		StudentID:    g.StudentID,
		SubjectID:    g.SubjectID,
		EvaluationID: g.EvaluationID,
		ClassID:      g.ClassID,
		Value:        null.NewFloat64(g.Value, !g.IsAbsent),
		IsAbsent:     g.IsAbsent,
		UpdatedAt:    g.UpdatedAt.UTC(),
	}
}

func (row gradeRow) unwrap() grading.SubjectGrade {
	return grading.SubjectGrade{
		StudentID:    row.StudentID,
		SubjectID:    row.SubjectID,
		EvaluationID: row.EvaluationID,
		ClassID:      row.ClassID,
		Value:        row.Value.Float64,
		IsAbsent:     row.IsAbsent,
		UpdatedAt:    row.UpdatedAt,
	}
}

// periodAverageOrderings whitelists the columns period averages can be ordered by.
var periodAverageOrderings = map[string]string{
	"average":    "average",
	"date":       "date",
	"student_id": "student_id",
}

type gradingRepository struct {
	db core.DB
}

var _ grading.Repository = (*gradingRepository)(nil) // interface compliance check

func NewGradingRepository(db core.DB) *gradingRepository {
	return &gradingRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to `notFound`.
func trapNoRowsErr(err, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

// inTx runs `fn` in a transaction, rolled back when `fn` fails.
func (repo *gradingRepository) inTx(ctx context.Context, fn func(tx core.DBExecutor) error) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rolling back: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func (repo *gradingRepository) GetClass(ctx context.Context, classID string) (grading.Class, error) {
	var class grading.Class
	err := repo.db.GetContext(ctx, &class, `SELECT id, name, school_year FROM classes WHERE id = $1`, classID)
	if err != nil {
		return grading.Class{}, trapNoRowsErr(err, grading.ErrClassNotFound, "getting class")
	}
	return class, nil
}

func (repo *gradingRepository) QueryStudents(ctx context.Context, classID string) ([]grading.Student, error) {
	students := make([]grading.Student, 0)
	err := repo.db.SelectContext(ctx, &students, `
		SELECT id, class_id, first_name, last_name, gender, is_active
		FROM students
		WHERE class_id = $1
		ORDER BY lower(last_name), lower(first_name), id`, classID)
	return students, errors.Wrap(err, "querying students")
}

func (repo *gradingRepository) QuerySubjects(ctx context.Context, classID string) ([]grading.Subject, error) {
	subjects := make([]grading.Subject, 0)
	err := repo.db.SelectContext(ctx, &subjects,
		`SELECT id, class_id, name FROM subjects WHERE class_id = $1 ORDER BY name, id`, classID)
	return subjects, errors.Wrap(err, "querying subjects")
}

func (repo *gradingRepository) GetEvaluation(ctx context.Context, evaluationID string) (grading.Evaluation, error) {
	var row evaluationRow
	err := repo.db.GetContext(ctx, &row,
		`SELECT id, class_id, name, school_year, date FROM evaluations WHERE id = $1`, evaluationID)
	if err != nil {
		return grading.Evaluation{}, trapNoRowsErr(err, grading.ErrEvaluationNotFound, "getting evaluation")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) QueryEvaluations(ctx context.Context, classID, schoolYear string) ([]grading.Evaluation, error) {
	q := `SELECT id, class_id, name, school_year, date FROM evaluations WHERE class_id = $1`
	args := []interface{}{classID}
	if schoolYear != "" {
		q += ` AND school_year = $2`
		args = append(args, schoolYear)
	}
	q += ` ORDER BY date NULLS LAST, id`

	var rows []evaluationRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying evaluations")
	}
	evaluations := make([]grading.Evaluation, 0, len(rows))
	for _, row := range rows {
		evaluations = append(evaluations, row.unwrap())
	}
	return evaluations, nil
}

func (repo *gradingRepository) GetFormulaConfig(ctx context.Context, classID string) (grading.FormulaConfig, error) {
	var row formulaRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT class_id, divisor, formula, selected_subject_ids, updated_at
		FROM formula_configs
		WHERE class_id = $1`, classID)
	if err != nil {
		return grading.FormulaConfig{}, trapNoRowsErr(err, grading.ErrFormulaNotFound, "getting formula config")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) SaveFormulaConfig(ctx context.Context, cfg grading.FormulaConfig) (grading.FormulaConfig, error) {
	row := formulaRow{
		ClassID:            cfg.ClassID,
		Divisor:            cfg.Divisor,
		Formula:            cfg.Formula,
		SelectedSubjectIDs: pq.StringArray(cfg.SelectedSubjectIDs),
		UpdatedAt:          cfg.UpdatedAt.UTC(),
	}
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO formula_configs (class_id, divisor, formula, selected_subject_ids, updated_at)
		VALUES (:class_id, :divisor, :formula, :selected_subject_ids, :updated_at)
		ON CONFLICT (class_id) DO UPDATE
		SET divisor = EXCLUDED.divisor,
			formula = EXCLUDED.formula,
			selected_subject_ids = EXCLUDED.selected_subject_ids,
			updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return grading.FormulaConfig{}, errors.Wrap(err, "saving formula config")
	}
	return row.unwrap(), nil
}

func (repo *gradingRepository) GetThreshold(ctx context.Context, classID string) (grading.Threshold, error) {
	var th grading.Threshold
	err := repo.db.GetContext(ctx, &th,
		`SELECT class_id, admission, retention FROM thresholds WHERE class_id = $1`, classID)
	if err != nil {
		return grading.Threshold{}, trapNoRowsErr(err, grading.ErrThresholdNotFound, "getting threshold")
	}
	return th, nil
}

func (repo *gradingRepository) SaveThreshold(ctx context.Context, th grading.Threshold) (grading.Threshold, error) {
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO thresholds (class_id, admission, retention)
		VALUES (:class_id, :admission, :retention)
		ON CONFLICT (class_id) DO UPDATE
		SET admission = EXCLUDED.admission, retention = EXCLUDED.retention`, th)
	if err != nil {
		return grading.Threshold{}, errors.Wrap(err, "saving threshold")
	}
	return th, nil
}

func (repo *gradingRepository) QueryGrades(ctx context.Context, filter grading.GradeFilter) ([]grading.SubjectGrade, error) {
	var (
		conds []string
		args  []interface{}
	)
	where := func(col, val string) {
		if val != "" {
			args = append(args, val)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	where("class_id", filter.ClassID)
	where("subject_id", filter.SubjectID)
	where("evaluation_id", filter.EvaluationID)
	where("student_id", filter.StudentID)

	q := `SELECT student_id, subject_id, evaluation_id, class_id, value, is_absent, updated_at FROM grades`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY student_id, subject_id, evaluation_id"

	var rows []gradeRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying grades")
	}
	grades := make([]grading.SubjectGrade, 0, len(rows))
	for _, row := range rows {
		grades = append(grades, row.unwrap())
	}
	return grades, nil
}

func (repo *gradingRepository) UpsertGrades(ctx context.Context, grades []grading.SubjectGrade) error {
	return repo.inTx(ctx, func(tx core.DBExecutor) error {
		for _, g := range grades {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO grades (student_id, subject_id, evaluation_id, class_id, value, is_absent, updated_at)
				VALUES (:student_id, :subject_id, :evaluation_id, :class_id, :value, :is_absent, :updated_at)
				ON CONFLICT (student_id, subject_id, evaluation_id) DO UPDATE
				SET class_id = EXCLUDED.class_id,
					value = EXCLUDED.value,
					is_absent = EXCLUDED.is_absent,
					updated_at = EXCLUDED.updated_at`, wrapGrade(g))
			if err != nil {
				return errors.Wrap(err, "upserting grade")
			}
		}
		return nil
	})
}

func (repo *gradingRepository) ReplacePeriodAverages(ctx context.Context, evaluationID string, averages []grading.PeriodAverage) error {
	studentIDs := make(pq.StringArray, 0, len(averages))
	for _, avg := range averages {
		studentIDs = append(studentIDs, avg.StudentID)
	}

	return repo.inTx(ctx, func(tx core.DBExecutor) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM period_averages WHERE evaluation_id = $1 AND NOT (student_id = ANY($2::uuid[]))`,
			evaluationID, studentIDs,
		)
		if err != nil {
			return errors.Wrap(err, "deleting stale period averages")
		}

		for _, avg := range averages {
			avg.EvaluationID = evaluationID
			avg.Date = avg.Date.UTC()
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO period_averages (student_id, evaluation_id, average, date)
				VALUES (:student_id, :evaluation_id, :average, :date)
				ON CONFLICT (student_id, evaluation_id) DO UPDATE
				SET average = EXCLUDED.average, date = EXCLUDED.date`, avg)
			if err != nil {
				return errors.Wrap(err, "upserting period average")
			}
		}
		return nil
	})
}

// QueryPeriodAverages orders by average (highest first) unless `ordering` says otherwise.
// Unknown ordering fields are ignored.
func (repo *gradingRepository) QueryPeriodAverages(ctx context.Context, evaluationID string, ordering []core.DBOrdering) ([]grading.PeriodAverage, error) {
	orderBy := core.OrderBy(ordering, periodAverageOrderings, core.DBOrdering{Field: "average"})

	averages := make([]grading.PeriodAverage, 0)
	q := `SELECT student_id, evaluation_id, average, date FROM period_averages WHERE evaluation_id = $1 ORDER BY ` +
		orderBy + ", student_id ASC"
	err := repo.db.SelectContext(ctx, &averages, q, evaluationID)
	return averages, errors.Wrap(err, "querying period averages")
}
