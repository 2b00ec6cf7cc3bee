package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	echoapi "github.com/scolarflow/scolarflow/apps/api/echo"
	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	inmemdb "github.com/scolarflow/scolarflow/storage/database/inmem"
	testutil "github.com/scolarflow/scolarflow/tests"
)

type env struct {
	cli *commandLine
	out *bytes.Buffer
	db  *inmemdb.DB
	svc grading.ServiceInterface
	fx  testutil.Fixture
}

func setup(t *testing.T) env {
	conf := testutil.NewConfig()
	db := inmemdb.Open()
	repo := inmemdb.NewGradingRepository(db)
	fx := testutil.SeedClass(t, repo)

	svc, err := grading.NewService(repo, testutil.NewLogger(conf), conf, nil)
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	out := new(bytes.Buffer)
	return env{
		cli: &commandLine{conf: conf, svc: svc, validate: validate, out: out},
		out: out,
		db:  db,
		svc: svc,
		fx:  fx,
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
}

func runCLITests(t *testing.T, cli *commandLine, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			switch {
			case err == nil:
				if tt.wantErr != nil || tt.wantErrStr != "" {
					t.Errorf("cli.run() error = nil, wantErr %v %s", tt.wantErr, tt.wantErrStr)
				}
			case tt.wantErr != nil:
				if errors.Cause(err) != tt.wantErr {
					t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
			case tt.wantErrStr != "":
				if err.Error() != tt.wantErrStr {
					t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
				}
			default:
				t.Errorf("cli.run() unexpected error = %v", err)
			}
		})
	}
}

func Test_commandLine_help(t *testing.T) {
	e := setup(t)
	runCLITests(t, e.cli, []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
	})
	assert.Contains(t, e.out.String(), "Usage:")
}

func Test_commandLine_migrate(t *testing.T) {
	e := setup(t)

	origMigrateFunc := migrateFunc
	t.Cleanup(func() { migrateFunc = origMigrateFunc })
	migrateFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLITests(t, e.cli, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "report_cards", "sql"}},
	})
}

func saveGrades(t *testing.T, e env, evaluation string, values map[int]float64) {
	var entries []grading.GradeEntry
	for i, v := range values {
		for _, sub := range e.fx.Subjects {
			entries = append(entries, grading.GradeEntry{StudentID: e.fx.Students[i].ID, SubjectID: sub.ID, Value: v})
		}
	}
	_, err := e.svc.SaveGrades(context.Background(), e.fx.Class.ID, e.fx.Evaluations[evaluation].ID, grading.SaveGrades{Grades: entries})
	if err != nil {
		t.Fatalf("saveGrades() failed: %v", err)
	}
}

func Test_commandLine_recompute(t *testing.T) {
	e := setup(t)
	saveGrades(t, e, grading.EvaluationOne, map[int]float64{0: 12, 1: 17})
	classID, evaluationID := e.fx.Class.ID, e.fx.Evaluations[grading.EvaluationOne].ID

	runCLITests(t, e.cli, []cliTest{
		{name: "no args", args: []string{"recompute"}, wantErr: errHelp},
		{name: "no evaluation", args: []string{"recompute", "-class", classID}, wantErr: errHelp},
		{name: "unknown class", args: []string{"recompute", "-class", "lol", "-evaluation", evaluationID}, wantErr: grading.ErrClassNotFound},
		{name: "unknown evaluation", args: []string{"recompute", "-class", classID, "-evaluation", "lol"}, wantErr: grading.ErrEvaluationNotFound},
		{name: "recorded", args: []string{"recompute", "-class", classID, "-evaluation", evaluationID}},
	})

	out := e.out.String()
	assert.Contains(t, out, grading.EvaluationOne)
	assert.Contains(t, out, "Bola Grace")
	assert.Contains(t, out, "17.00")
	assert.Contains(t, out, "2 averages recorded")
	assert.Less(t, strings.Index(out, "Bola Grace"), strings.Index(out, "Amisi Amani"))
	assert.Equal(t, 2, e.db.PeriodAverageCount())
}

func Test_commandLine_bilan(t *testing.T) {
	e := setup(t)
	saveGrades(t, e, grading.EvaluationOne, map[int]float64{0: 12, 1: 9})
	saveGrades(t, e, grading.CompositionPassage, map[int]float64{0: 13, 1: 8})
	classID := e.fx.Class.ID
	xlsxPath := filepath.Join(t.TempDir(), "bilan.xlsx")

	runCLITests(t, e.cli, []cliTest{
		{name: "no args", args: []string{"bilan"}, wantErr: errHelp},
		{name: "unknown class", args: []string{"bilan", "-class", "lol"}, wantErr: grading.ErrClassNotFound},
		{name: "class year", args: []string{"bilan", "-class", classID}},
		{name: "year and export", args: []string{"bilan", "-class", classID, "-year", testutil.SchoolYear, "-xlsx", xlsxPath}},
	})

	t.Run("invalid year", func(t *testing.T) {
		err := e.cli.run([]string{"admin", "bilan", "-class", classID, "-year", "2024"})
		if _, ok := errors.Cause(err).(validator.ValidationErrors); !ok {
			t.Errorf("cli.run() error = %v, want validator.ValidationErrors", err)
		}
	})

	out := e.out.String()
	assert.Contains(t, out, "6e A")
	assert.Contains(t, out, "ADMIS")
	assert.Contains(t, out, "REDOUBLER")
	assert.Contains(t, out, "Inscrits: 3")
	assert.Contains(t, out, "written to "+xlsxPath)
	_, err := os.Stat(xlsxPath)
	assert.Nil(t, err)
}

func Test_commandLine_token(t *testing.T) {
	e := setup(t)

	parse := func(t *testing.T, secret string) *echoapi.Claims {
		lines := strings.Split(strings.TrimSpace(e.out.String()), "\n")
		claims := new(echoapi.Claims)
		_, err := jwt.ParseWithClaims(lines[len(lines)-1], claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil {
			t.Fatalf("jwt.ParseWithClaims() failed: %v", err)
		}
		e.out.Reset()
		return claims
	}

	origReadPasswordFunc := readPasswordFunc
	t.Cleanup(func() { readPasswordFunc = origReadPasswordFunc })

	runCLITests(t, e.cli, []cliTest{
		{name: "no args", args: []string{"token"}, wantErr: errHelp},
		{name: "no role", args: []string{"token", "-sub", "u1"}, wantErr: errHelp},
	})
	e.out.Reset()

	t.Run("configured secret", func(t *testing.T) {
		err := e.cli.run([]string{"admin", "token", "-sub", "u1", "-username", "bola", "-email", "bola@school.test", "-role", "teacher:, admin:principal"})
		assert.Nil(t, err)

		claims := parse(t, e.cli.conf.SecretKey)
		assert.Equal(t, "u1", claims.Subject)
		assert.Equal(t, "bola@school.test", claims.Email)
		assert.Equal(t, []string{echoapi.RoleTeacher, echoapi.RoleAdminPrincipal}, claims.Roles)
	})

	t.Run("prompted secret", func(t *testing.T) {
		readPasswordFunc = func(fd int) ([]byte, error) { return []byte("qa-secret"), nil }

		err := e.cli.run([]string{"admin", "token", "-sub", "u2", "-role", echoapi.RoleTeacher, "-ask-secret"})
		assert.Nil(t, err)
		assert.Equal(t, "u2", parse(t, "qa-secret").Subject)
	})

	t.Run("empty prompted secret", func(t *testing.T) {
		readPasswordFunc = func(fd int) ([]byte, error) { return nil, nil }

		err := e.cli.run([]string{"admin", "token", "-sub", "u2", "-role", echoapi.RoleTeacher, "-ask-secret"})
		assert.Equal(t, errHelp, err)
	})
}
