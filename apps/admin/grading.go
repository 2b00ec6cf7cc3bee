package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	exportsvc "github.com/scolarflow/scolarflow/services/export"
)

// recompute ranks an evaluation and stores every student's average.
func (cli *commandLine) recompute(classID, evaluationID string) error {
	report, err := cli.svc.RecordPeriod(context.Background(), classID, evaluationID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\n", report.EvaluationName)
	fmt.Fprintln(w, "Rang\tÉlève\tTotal\tMoyenne")
	for _, res := range report.Results {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\n", res.Rank, res.Student.FullName(), res.Total, res.Average)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if len(report.IncompleteSubjects) > 0 {
		fmt.Fprintf(cli.out, "warning: grades missing for %v\n", report.IncompleteSubjects)
	}
	fmt.Fprintf(cli.out, "%d averages recorded\n", len(report.Results))
	return nil
}

type schoolYearArg struct {
	Year string `json:"year" validate:"omitempty,schoolyear"`
}

// bilan prints the annual report of a class and optionally writes its XLSX export to `xlsxPath`.
func (cli *commandLine) bilan(classID, year, xlsxPath string) error {
	if err := cli.validate.Struct(schoolYearArg{Year: year}); err != nil {
		return errors.Wrapf(err, "invalid year %q", year)
	}
	report, err := cli.svc.ComputeAnnual(context.Background(), classID, year)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", report.Class.Name, report.SchoolYear)
	fmt.Fprintln(w, "Élève\tMoy. annuelle\tMoy. compo passage\tMGA\tDécision")
	for _, res := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.Student.FullName(),
			formatNull(res.MoyAnnuelle), formatNull(res.MoyCompoPassage), formatNull(res.MGA), res.Decision)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	st := report.Stats
	fmt.Fprintf(cli.out, "Inscrits: %d  Présents: %d  Admis: %d  Abandons: %d  Taux de réussite: %d%%\n",
		st.Enrolled.Total, st.Present.Total, st.Admitted.Total, st.Dropouts, st.PassRate)

	if xlsxPath == "" {
		return nil
	}
	f, err := os.Create(xlsxPath)
	if err != nil {
		return errors.Wrap(err, "creating export file")
	}
	if err = exportsvc.WriteAnnual(f, report); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "closing export file")
	}
	fmt.Fprintf(cli.out, "written to %s\n", xlsxPath)
	return nil
}

func formatNull(f null.Float64) string {
	if !f.Valid {
		return "-"
	}
	return fmt.Sprintf("%.2f", f.Float64)
}
