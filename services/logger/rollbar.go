package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/scolarflow/scolarflow/core"
)

// RollbarLogger prints to a std logger and mirrors every entry to Rollbar when enabled.
type RollbarLogger struct {
	std *log.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: std}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// expected fmt: msg | error, map[string]interface{}, core.Person
func (l RollbarLogger) prepare(msg string, args []interface{}) ([]interface{}, []interface{}) {
	var personSet bool
	rbArgs := make([]interface{}, 0, len(args)+1)
	rbArgs = append(rbArgs, msg)
	printArgs := make([]interface{}, 0, len(args))
	for _, arg := range args {
		if p, ok := arg.(core.Person); ok {
			if !personSet && p.ID != "" { // only set one Person
				rollbar.SetPerson(p.ID, p.Username, p.Email)
				personSet = true
			}
			continue
		}
		rbArgs = append(rbArgs, arg)
		printArgs = append(printArgs, arg)
	}
	if !personSet {
		rollbar.ClearPerson()
	}
	return rbArgs, printArgs
}

func (l RollbarLogger) print(msg string, args []interface{}) {
	l.std.Println(msg)
	for _, arg := range args {
		l.std.Printf("%+v\n", arg)
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	rbArgs, printArgs := l.prepare(msg, args)
	rollbar.Debug(rbArgs...)
	l.print(msg, printArgs)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	rbArgs, printArgs := l.prepare(msg, args)
	rollbar.Info(rbArgs...)
	l.print(msg, printArgs)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rbArgs, printArgs := l.prepare(msg, args)
	rollbar.Warning(rbArgs...)
	l.print(msg, printArgs)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rbArgs, printArgs := l.prepare(msg, args)
	rollbar.Error(rbArgs...)
	l.print(msg, printArgs)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	rbArgs, printArgs := l.prepare(msg, args)
	rollbar.Critical(rbArgs...)
	l.print(msg, printArgs)
	l.std.Fatal(msg)
}
