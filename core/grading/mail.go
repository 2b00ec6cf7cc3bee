package grading

import (
	"io"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/scolarflow/scolarflow/core"
)

const annualReportTemplate = "annual_report"

type annualReportMailData struct {
	Recipient  string
	ClassName  string
	SchoolYear string
	Stats      Stats
}

// NewAnnualReportMessage returns the email sending the bilan annuel export to `to`.
func NewAnnualReportMessage(report AnnualReport, to mail.Address, export io.Reader, filename, contentType string) (*core.EmailMessage, error) {
	recipient := to.Name
	if recipient == "" {
		recipient = to.Address
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{to},
		Subject:      "Bilan annuel " + report.SchoolYear + " - " + report.Class.Name,
		TemplateName: annualReportTemplate,
		TemplateData: annualReportMailData{
			Recipient:  recipient,
			ClassName:  report.Class.Name,
			SchoolYear: report.SchoolYear,
			Stats:      report.Stats,
		},
	}
	if err := msg.Attach(export, filename, contentType); err != nil {
		return nil, errors.Wrap(err, "attaching export")
	}
	return msg, nil
}
