// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package session

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// tamperPattern matches statements that could change session settings,
// including the tenant pin. It runs on normalized SQL.
var tamperPattern = regexp.MustCompile(`(?is)(^|;)\s*(set|reset|discard|do)\b|set_config\s*\(`)

func checkStatement(sql string) error {
	if tamperPattern.MatchString(normalizeSQL(sql)) {
		return oops.Code("SESSION_PIN_TAMPER").
			Errorf("statements that change session settings are not allowed on a tenant session")
	}
	return nil
}

// normalizeSQL replaces comments with a space and drops identifier quotes.
// String literals are kept verbatim so comment markers inside them are not
// mistaken for comments.
func normalizeSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return b.String()
			}
			b.WriteByte(' ')
			i += end
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			b.WriteByte(' ')
			if end < 0 {
				return b.String()
			}
			i += end + 4
		case c == '"':
			end := closingQuote(sql, i+1, '"')
			b.WriteString(strings.ReplaceAll(sql[i+1:end], `""`, `"`))
			i = end + 1
		case c == '\'':
			end := closingQuote(sql, i+1, '\'')
			b.WriteString(sql[i:min(end+1, len(sql))])
			i = end + 1
		case c == '$' && (i == 0 || !isIdentChar(sql[i-1])):
			tag, ok := dollarTag(sql[i:])
			if !ok {
				b.WriteByte(c)
				i++
				continue
			}
			end := strings.Index(sql[i+len(tag):], tag)
			if end < 0 {
				b.WriteString(sql[i:])
				return b.String()
			}
			stop := i + len(tag) + end + len(tag)
			b.WriteString(sql[i:stop])
			i = stop
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// closingQuote returns the index of the quote ending a literal or
// identifier that starts at from, treating a doubled quote as an escape.
// It returns len(sql) when the literal is unterminated.
func closingQuote(sql string, from int, q byte) int {
	for i := from; i < len(sql); i++ {
		if sql[i] != q {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == q {
			i++
			continue
		}
		return i
	}
	return len(sql)
}

// dollarTag returns the opening tag of a dollar-quoted string ($$ or
// $name$). Positional parameters like $1 are not tags.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		switch {
		case s[i] == '$':
			return s[:i+1], true
		case i == 1 && s[i] >= '0' && s[i] <= '9':
			return "", false
		case !isIdentChar(s[i]):
			return "", false
		}
	}
	return "", false
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

// guardedQuerier rejects settings changes before they reach the connection
// and records whether any statement was sent.
type guardedQuerier struct {
	q    Querier
	sent *bool
}

func (g guardedQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := checkStatement(sql); err != nil {
		return pgconn.CommandTag{}, err
	}
	*g.sent = true
	return g.q.Exec(ctx, sql, args...) //nolint:wrapcheck // passthrough
}

func (g guardedQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := checkStatement(sql); err != nil {
		return nil, err
	}
	*g.sent = true
	return g.q.Query(ctx, sql, args...) //nolint:wrapcheck // passthrough
}

func (g guardedQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := checkStatement(sql); err != nil {
		return errRow{err: err}
	}
	*g.sent = true
	return g.q.QueryRow(ctx, sql, args...)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
