package core

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
)

type (
	// DBExecutor is satisfied by both *sqlx.DB and *sqlx.Tx.
	DBExecutor interface {
		sqlx.ExtContext
		GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
		SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
		NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	}

	DB interface {
		DBExecutor

		BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	}

	DBTransactor interface {
		DBExecutor

		Commit() error
		Rollback() error
	}
)

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}

// OrderBy builds an ORDER BY list from `ordering`, mapping the API field names to `columns`.
// Unknown fields are ignored and `fallback` is used when no ordering is left.
func OrderBy(ordering []DBOrdering, columns map[string]string, fallback ...DBOrdering) string {
	clauses := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		if col, ok := columns[ord.Field]; ok {
			clauses = append(clauses, DBOrdering{Field: col, Ascending: ord.Ascending}.String())
		}
	}
	if len(clauses) == 0 {
		for _, ord := range fallback {
			clauses = append(clauses, ord.String())
		}
	}
	return strings.Join(clauses, ", ")
}
