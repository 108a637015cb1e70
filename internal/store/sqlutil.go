package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// sqlxIn expands a `?` placeholder bound to a slice argument (e.g. a
// status list) into the right number of placeholders via sqlx.In.
func sqlxIn(query string, args ...any) (string, []any, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("store: build IN query: %w", err)
	}
	return sqlx.Rebind(sqlx.QUESTION, expanded), expandedArgs, nil
}
