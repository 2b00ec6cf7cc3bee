package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	logsvc "github.com/scolarflow/scolarflow/services/logger"
	"github.com/scolarflow/scolarflow/storage/database"
	sqlxrepos "github.com/scolarflow/scolarflow/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(conf)
	errAndDie(logger, err)
	errAndDie(logger, db.PingContext(context.Background()))

	svc, err := grading.NewService(sqlxrepos.NewGradingRepository(db), logger, conf, nil)
	errAndDie(logger, err)

	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	// start CLI
	cli := commandLine{
		conf:     conf,
		db:       db.DB,
		svc:      svc,
		validate: validate,
		out:      os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("error: %v", err), err)
		}
		os.Exit(1)
	}
}

func errAndDie(logger core.Logger, err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}
