// helpers.go — shared query-building helpers for the persistence layer.
//
//   - QueryBuilder: progressive WHERE-clause construction with pagination
//   - collectRows / collectOne: generic pgx row -> struct scanning
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrorigo/acp2-gateway/pkg/logger"
	"github.com/mrorigo/acp2-gateway/pkg/util"
)

var emptyJSON = []byte("{}")

// mustMarshalJSON serializes v, falling back to "{}" and a warning log on
// failure instead of panicking or silently discarding the error.
func mustMarshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("mustMarshalJSON: marshal failed, using fallback",
			"value_type", fmt.Sprintf("%T", v),
			logger.FieldError, err)
		return emptyJSON
	}
	return data
}

// BaseStore is the embedding base for every store, holding the connection pool.
type BaseStore struct{ pool *pgxpool.Pool }

// NewBaseStore creates a BaseStore.
func NewBaseStore(pool *pgxpool.Pool) BaseStore { return BaseStore{pool: pool} }

// ========================================
// QueryBuilder — dynamic WHERE clause construction
// ========================================

// QueryBuilder builds a SQL WHERE clause incrementally with $N placeholders.
type QueryBuilder struct {
	where  []string
	params []any
	n      int
}

// NewQueryBuilder creates an empty builder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Eq adds an equality condition. Skipped if val is empty.
func (q *QueryBuilder) Eq(col, val string) *QueryBuilder {
	if val == "" {
		return q
	}
	q.n++
	q.where = append(q.where, fmt.Sprintf("%s = $%d", col, q.n))
	q.params = append(q.params, val)
	return q
}

// KeywordLike adds a case-insensitive multi-column LIKE search.
func (q *QueryBuilder) KeywordLike(keyword string, cols ...string) *QueryBuilder {
	if keyword == "" || len(cols) == 0 {
		return q
	}
	kw := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		q.n++
		parts = append(parts, fmt.Sprintf("LOWER(%s) LIKE $%d ESCAPE E'\\\\'", c, q.n))
		q.params = append(q.params, kw)
	}
	q.where = append(q.where, "("+strings.Join(parts, " OR ")+")")
	return q
}

// Build assembles the final SQL: baseSql + WHERE + ORDER BY + LIMIT.
func (q *QueryBuilder) Build(baseSql, orderBy string, limit int) (string, []any) {
	limit = util.ClampInt(limit, 1, 2000)
	sql := baseSql
	if len(q.where) > 0 {
		sql += " WHERE " + strings.Join(q.where, " AND ")
	}
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	q.n++
	sql += fmt.Sprintf(" LIMIT $%d", q.n)
	q.params = append(q.params, limit)
	return sql, q.params
}

// ========================================
// collectRows — generic row scanning
// ========================================

// collectRows scans rows into a struct slice via RowToStructByNameLax.
func collectRows[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByNameLax[T])
}

// collectOne scans a single row, returning nil if there were no results.
func collectOne[T any](rows pgx.Rows) (*T, error) {
	items, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[T])
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}
