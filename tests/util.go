package testutil

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/mail"
	"sync"
	"testing"
	"time"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	logsvc "github.com/scolarflow/scolarflow/services/logger"
)

const SchoolYear = "2023-2024"

// NewConfig returns the configuration used by tests; it does not read the environment.
func NewConfig() *core.Config {
	return &core.Config{
		Env:              "TEST",
		Build:            "test",
		Debug:            true,
		TestMode:         true,
		AppName:          "ScolarFlow",
		SecretKey:        "test-secret-key",
		DefaultFromEmail: mail.Address{Name: "ScolarFlow", Address: "noreply@scolarflow.test"},
		FrontendBaseURL:  "http://localhost:3000",
		Server: core.ServerConfig{
			Host:               "localhost",
			Address:            ":8000",
			ShutdownTimeout:    time.Second,
			JWTExpirationDelta: time.Hour,
			DisableReqLogs:     true,
		},
		Redis:   core.RedisConfig{TTL: time.Minute},
		Grading: core.GradingConfig{FetchConcurrency: 2},
	}
}

// NewLogger returns a RollbarLogger that neither prints nor reports.
func NewLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), conf)
	logger.Enable(false)
	return logger
}

type LogEntry struct {
	Level string
	Msg   string
}

// LoggerMock keeps every entry it is given.
type LoggerMock struct {
	mu      sync.Mutex
	entries []LogEntry
}

var _ core.Logger = (*LoggerMock)(nil)

func (l *LoggerMock) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg})
}

func (l *LoggerMock) Debug(msg string, _ ...interface{}) { l.log("debug", msg) }
func (l *LoggerMock) Info(msg string, _ ...interface{})  { l.log("info", msg) }
func (l *LoggerMock) Warn(msg string, _ ...interface{})  { l.log("warn", msg) }
func (l *LoggerMock) Error(msg string, _ ...interface{}) { l.log("error", msg) }
func (l *LoggerMock) Fatal(msg string, _ ...interface{}) { l.log("fatal", msg) }

// Entries returns the entries logged at `level`, all of them when empty.
func (l *LoggerMock) Entries(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var entries []LogEntry
	for _, e := range l.entries {
		if level == "" || e.Level == level {
			entries = append(entries, e)
		}
	}
	return entries
}

// Seeder creates the records grading reads but does not manage.
type Seeder interface {
	CreateClass(ctx context.Context, class grading.Class) (grading.Class, error)
	CreateStudent(ctx context.Context, st grading.Student) (grading.Student, error)
	CreateSubject(ctx context.Context, sub grading.Subject) (grading.Subject, error)
	CreateEvaluation(ctx context.Context, ev grading.Evaluation) (grading.Evaluation, error)
}

type Fixture struct {
	Class       grading.Class
	Subjects    []grading.Subject             // Anglais, Français, Maths
	Students    []grading.Student             // roster order; the last one is inactive
	Evaluations map[string]grading.Evaluation // {period name: evaluation}
}

// Subject returns the fixture subject called `name`.
func (fx Fixture) Subject(name string) grading.Subject {
	for _, sub := range fx.Subjects {
		if sub.Name == name {
			return sub
		}
	}
	panic(fmt.Sprintf("testutil: no subject %q", name))
}

// SeedClass creates a class of SchoolYear with 3 subjects, 4 students and the annual evaluations.
func SeedClass(t *testing.T, repo Seeder) Fixture {
	ctx := context.Background()
	fail := func(err error) {
		if err != nil {
			t.Fatalf("SeedClass() failed: %v", err)
		}
	}

	class, err := repo.CreateClass(ctx, grading.Class{Name: "6e A", SchoolYear: SchoolYear})
	fail(err)
	fx := Fixture{Class: class, Evaluations: make(map[string]grading.Evaluation)}

	for _, name := range []string{"Anglais", "Français", "Maths"} {
		sub, err := repo.CreateSubject(ctx, grading.Subject{ClassID: class.ID, Name: name})
		fail(err)
		fx.Subjects = append(fx.Subjects, sub)
	}

	students := []grading.Student{
		{FirstName: "Amani", LastName: "Amisi", Gender: grading.GenderMale, IsActive: true},
		{FirstName: "Grace", LastName: "Bola", Gender: grading.GenderFemale, IsActive: true},
		{FirstName: "Joël", LastName: "Kasongo", Gender: grading.GenderMale, IsActive: true},
		{FirstName: "Sarah", LastName: "Zola", Gender: grading.GenderFemale, IsActive: false},
	}
	for _, st := range students {
		st.ClassID = class.ID
		st, err = repo.CreateStudent(ctx, st)
		fail(err)
		fx.Students = append(fx.Students, st)
	}

	date := time.Date(2023, time.November, 15, 8, 0, 0, 0, time.UTC)
	for i, name := range grading.AnnualPeriods {
		ev, err := repo.CreateEvaluation(ctx, grading.Evaluation{
			ClassID:    class.ID,
			Name:       name,
			SchoolYear: SchoolYear,
			Date:       date.AddDate(0, 2*i, 0),
		})
		fail(err)
		fx.Evaluations[name] = ev
	}
	return fx
}
