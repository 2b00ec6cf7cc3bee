package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf     *core.Config
	db       *sql.DB
	svc      grading.ServiceInterface
	validate *validator.Validate
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                      - run a goose command (up, down, status...)")
	fmt.Fprintln(cli.out, "  recompute -class ID -evaluation ID          - rank an evaluation and store the averages")
	fmt.Fprintln(cli.out, "  bilan -class ID [-year YYYY-YYYY] [-xlsx F] - print the annual report of a class")
	fmt.Fprintln(cli.out, "  token -sub ID -role ROLE[,ROLE] [-email E]  - print a signed API token")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	recomputeCmd := flag.NewFlagSet("recompute", flag.ContinueOnError)
	recomputeCmd.SetOutput(cli.out)
	recomputeClass := recomputeCmd.String("class", "", "The class ID.")
	recomputeEvaluation := recomputeCmd.String("evaluation", "", "The evaluation ID.")

	bilanCmd := flag.NewFlagSet("bilan", flag.ContinueOnError)
	bilanCmd.SetOutput(cli.out)
	bilanClass := bilanCmd.String("class", "", "The class ID.")
	bilanYear := bilanCmd.String("year", "", "The school year, eg: 2023-2024. Defaults to the class' school year.")
	bilanXLSX := bilanCmd.String("xlsx", "", "Also write the report to this XLSX file.")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenCmd.SetOutput(cli.out)
	tokenSub := tokenCmd.String("sub", "", "The user ID.")
	tokenUsername := tokenCmd.String("username", "", "The user's username.")
	tokenEmail := tokenCmd.String("email", "", "The user's email, the annual report is sent there.")
	tokenRoles := tokenCmd.String("role", "", "Comma separated roles, eg: teacher: or admin:principal.")
	tokenAskSecret := tokenCmd.Bool("ask-secret", false, "Prompt for the secret key instead of using the configured one.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "recompute":
		if err := recomputeCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *recomputeClass == "" || *recomputeEvaluation == "" {
			recomputeCmd.Usage()
			return errHelp
		}
		return cli.recompute(*recomputeClass, *recomputeEvaluation)

	case "bilan":
		if err := bilanCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *bilanClass == "" {
			bilanCmd.Usage()
			return errHelp
		}
		return cli.bilan(*bilanClass, *bilanYear, *bilanXLSX)

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenSub == "" || *tokenRoles == "" {
			tokenCmd.Usage()
			return errHelp
		}
		secret := cli.conf.SecretKey
		if *tokenAskSecret {
			fmt.Fprint(cli.out, "Enter secret key:")
			key, err := readPasswordFunc(int(syscall.Stdin))
			fmt.Fprintln(cli.out)
			if err != nil {
				return err
			}
			if len(key) == 0 {
				tokenCmd.Usage()
				return errHelp
			}
			secret = string(key)
		}
		roles := strings.Split(*tokenRoles, ",")
		for i := range roles {
			roles[i] = core.CleanString(roles[i])
		}
		return cli.token(*tokenSub, *tokenUsername, *tokenEmail, roles, secret)

	default:
		cli.printUsage()
		return errHelp
	}
}
