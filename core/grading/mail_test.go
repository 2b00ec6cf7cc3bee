package grading_test

import (
	"net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	appfs "github.com/scolarflow/scolarflow/fs"
	testutil "github.com/scolarflow/scolarflow/tests"
)

func TestNewAnnualReportMessage(t *testing.T) {
	conf := testutil.NewConfig()
	core.ParseEmailTemplates(appfs.FS, "templates/email", conf, testutil.NewLogger(conf))

	report := grading.AnnualReport{
		Class:      grading.Class{ID: "c1", Name: "6e A"},
		SchoolYear: "2023-2024",
		Stats: grading.Stats{
			Enrolled: grading.GenderCount{Total: 4},
			Present:  grading.GenderCount{Total: 3},
			Admitted: grading.GenderCount{Total: 2},
			Dropouts: 1,
			PassRate: 50,
		},
	}
	to := mail.Address{Name: "Mme Bola", Address: "bola@school.test"}

	msg, err := grading.NewAnnualReportMessage(report, to, strings.NewReader("xlsx"), "bilan.xlsx", "application/octet-stream")
	assert.Nil(t, err)
	assert.Nil(t, msg.Render())

	assert.Equal(t, []mail.Address{to}, msg.To)
	assert.Equal(t, "Bilan annuel 2023-2024 - 6e A", msg.Subject)
	assert.Contains(t, msg.TextContent, "Bonjour Mme Bola,")
	assert.Contains(t, msg.TextContent, "Taux de réussite : 50%")
	assert.Contains(t, msg.TextContent, conf.FrontendBaseURL)
	assert.Contains(t, msg.HTMLContent, "<strong>6e A</strong>")
	if assert.Len(t, msg.Attachments, 1) {
		assert.Equal(t, "bilan.xlsx", msg.Attachments[0].Filename)
		assert.Equal(t, "eGxzeA==", msg.Attachments[0].Content.String())
	}
}
