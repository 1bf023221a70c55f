package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

// dialect captures the SQL differences between the supported drivers
type dialect struct {
	driver     string
	migrations string
	goose      goose.Dialect
	dollar     bool
	upsert     string
}

const scoreColumns = "email_id, user_id, signature, score, tier, confidence, reasoning, model, cost_cents, latency_ms, prompt_tokens, completion_tokens, cached, fallback, scored_at"

var scoreUpdates = []string{
	"user_id", "signature", "score", "tier", "confidence", "reasoning", "model",
	"cost_cents", "latency_ms", "prompt_tokens", "completion_tokens", "cached", "fallback", "scored_at",
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return dialect{driver: "sqlite3", migrations: "migrations/sqlite3", goose: goose.DialectSQLite3, upsert: conflictUpsert()}, nil
	case "mysql":
		return dialect{driver: "mysql", migrations: "migrations/mysql", goose: goose.DialectMySQL, upsert: duplicateKeyUpsert()}, nil
	case "postgres", "postgresql", "pgx":
		return dialect{driver: "pgx", migrations: "migrations/postgres", goose: goose.DialectPostgres, dollar: true, upsert: conflictUpsert()}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func insertScore() string {
	return "INSERT INTO email_scores (" + scoreColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
}

func conflictUpsert() string {
	sets := make([]string, len(scoreUpdates))
	for i, col := range scoreUpdates {
		sets[i] = col + " = excluded." + col
	}
	return insertScore() + " ON CONFLICT (email_id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func duplicateKeyUpsert() string {
	sets := make([]string, len(scoreUpdates))
	for i, col := range scoreUpdates {
		sets[i] = col + " = VALUES(" + col + ")"
	}
	return insertScore() + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// rebind rewrites ? placeholders for drivers that use numbered parameters
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
