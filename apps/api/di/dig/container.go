package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	echoapi "github.com/scolarflow/scolarflow/apps/api/echo"
	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	emailsvc "github.com/scolarflow/scolarflow/services/email"
	logsvc "github.com/scolarflow/scolarflow/services/logger"
	metricsvc "github.com/scolarflow/scolarflow/services/metrics"
	rediscache "github.com/scolarflow/scolarflow/storage/cache/redis"
	"github.com/scolarflow/scolarflow/storage/database"
	sqlxrepos "github.com/scolarflow/scolarflow/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) (*sqlx.DB, core.DB) {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(context.Background(), conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db.DB, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db, db
}

// newRedis returns nil when redis is not configured or unreachable: grading then reads the database directly.
func newRedis(conf *core.Config, loggerParam DBLoggerParam) *redis.Client {
	client, err := rediscache.Open(context.Background(), conf)
	if err != nil {
		loggerParam.Logger.Warn(fmt.Sprintf("redis disabled: %v", err), err)
		return nil
	}
	return client
}

func newGradingRepository(db core.DB, client *redis.Client, conf *core.Config, loggerParam DBLoggerParam) grading.Repository {
	return rediscache.NewGradingRepository(sqlxrepos.NewGradingRepository(db), client, conf.Redis.TTL, loggerParam.Logger)
}

func newGradingRecorder() (grading.Recorder, error) {
	return metricsvc.NewGradingRecorder(prometheus.DefaultRegisterer)
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newRedis))
	must(c.Provide(newEmailService))
	must(c.Provide(newGradingRepository))
	must(c.Provide(newGradingRecorder))
	must(c.Provide(validator.New))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(grading.NewService, dig.As(new(grading.ServiceInterface))))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
