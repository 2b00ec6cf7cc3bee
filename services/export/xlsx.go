package exportsvc

import (
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"github.com/xuri/excelize/v2"

	"github.com/scolarflow/scolarflow/core/grading"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	rankingSheet = "Classement"
	annualSheet  = "Bilan annuel"
	statsSheet   = "Statistiques"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Filename builds a safe file name from `parts`, eg: ("6e A", "2023-2024") -> "6e-a_2023-2024.xlsx".
func Filename(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(filenameRegex.ReplaceAllString(strings.ToLower(p), "-"), "-"); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, "export")
	}
	return strings.Join(cleaned, "_") + ".xlsx"
}

type sheet struct {
	f    *excelize.File
	name string
	row  int
}

func newSheet(f *excelize.File, name string) (*sheet, error) {
	if f.SheetCount == 1 && f.GetSheetName(0) == "Sheet1" {
		if err := f.SetSheetName("Sheet1", name); err != nil {
			return nil, errors.Wrap(err, "renaming sheet")
		}
		return &sheet{f: f, name: name}, nil
	}
	if _, err := f.NewSheet(name); err != nil {
		return nil, errors.Wrap(err, "creating sheet")
	}
	return &sheet{f: f, name: name}, nil
}

// append writes `values` on the next row.
func (s *sheet) append(values ...interface{}) error {
	s.row++
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.f.SetSheetRow(s.name, cell, &values), "writing %s row %d", s.name, s.row)
}

// header appends a bold row.
func (s *sheet) header(values ...interface{}) error {
	if err := s.append(values...); err != nil {
		return err
	}
	style, err := s.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return errors.Wrap(err, "creating header style")
	}
	return s.f.SetRowStyle(s.name, s.row, s.row, style)
}

func nullable(f null.Float64) interface{} {
	if !f.Valid {
		return nil
	}
	return f.Float64
}

func write(f *excelize.File, w io.Writer) error {
	f.SetActiveSheet(0)
	_, err := f.WriteTo(w)
	return errors.Wrap(err, "writing xlsx")
}

// WritePeriod writes the ranking of one evaluation: one row per ranked student, one column per subject.
func WritePeriod(w io.Writer, report grading.PeriodReport, title string) error {
	f := excelize.NewFile()
	defer f.Close()

	s, err := newSheet(f, rankingSheet)
	if err != nil {
		return err
	}
	if title != "" {
		if err = s.append(title); err != nil {
			return err
		}
	}

	header := []interface{}{"Rang", "Élève"}
	for _, sub := range report.Subjects {
		header = append(header, sub.Name)
	}
	header = append(header, "Total", "Moyenne")
	if err = s.header(header...); err != nil {
		return err
	}

	for _, res := range report.Results {
		row := []interface{}{res.Rank, res.Student.FullName()}
		for _, sub := range report.Subjects {
			if g, ok := res.Notes[sub.ID]; ok {
				row = append(row, g)
			} else {
				row = append(row, nil)
			}
		}
		row = append(row, res.Total, res.Average)
		if err = s.append(row...); err != nil {
			return err
		}
	}
	return write(f, w)
}

// WriteAnnual writes the bilan annuel and its statistics on a second sheet.
func WriteAnnual(w io.Writer, report grading.AnnualReport) error {
	f := excelize.NewFile()
	defer f.Close()

	s, err := newSheet(f, annualSheet)
	if err != nil {
		return err
	}
	if err = s.append(report.Class.Name, report.SchoolYear); err != nil {
		return err
	}
	err = s.header("Rang", "Élève", "Sexe", "Moy. compo 1", "Moy. compo 2", "Moy. compo 3",
		"Moy. annuelle", "Moy. compo passage", "MGA", "Décision")
	if err != nil {
		return err
	}
	for i, res := range report.Results {
		var rank interface{}
		if res.MGA.Valid {
			rank = i + 1
		}
		err = s.append(rank, res.Student.FullName(), string(res.Student.Gender),
			nullable(res.MoyCompo1), nullable(res.MoyCompo2), nullable(res.MoyCompo3),
			nullable(res.MoyAnnuelle), nullable(res.MoyCompoPassage), nullable(res.MGA),
			string(res.Decision))
		if err != nil {
			return err
		}
	}

	stats, err := newSheet(f, statsSheet)
	if err != nil {
		return err
	}
	st := report.Stats
	rows := [][]interface{}{
		{"Seuil d'admission", report.Threshold.Admission},
		{"Seuil de redoublement", report.Threshold.Retention},
	}
	for _, row := range rows {
		if err = stats.append(row...); err != nil {
			return err
		}
	}
	if err = stats.header("", "Garçons", "Filles", "Total"); err != nil {
		return err
	}
	rows = [][]interface{}{
		{"Inscrits", st.Enrolled.Boys, st.Enrolled.Girls, st.Enrolled.Total},
		{"Présents", st.Present.Boys, st.Present.Girls, st.Present.Total},
		{"Admis", st.Admitted.Boys, st.Admitted.Girls, st.Admitted.Total},
		{"Abandons", nil, nil, st.Dropouts},
		{"Taux de réussite (%)", nil, nil, st.PassRate},
	}
	for _, row := range rows {
		if err = stats.append(row...); err != nil {
			return err
		}
	}
	return write(f, w)
}
