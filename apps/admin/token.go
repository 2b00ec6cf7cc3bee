package main

import (
	"fmt"

	echoapi "github.com/scolarflow/scolarflow/apps/api/echo"
)

// token prints an API token signed with `secret`, for local tooling and QA.
func (cli *commandLine) token(sub, username, email string, roles []string, secret string) error {
	conf := *cli.conf
	conf.SecretKey = secret

	token, err := echoapi.GenerateToken(echoapi.NewClaims(sub, username, email, roles, &conf), &conf)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}
