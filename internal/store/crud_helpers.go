// crud_helpers.go — generic delete-by-key, shared across stores.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeleteByKey deletes a single row by primary key. Returns whether a row was removed.
func DeleteByKey(ctx context.Context, pool *pgxpool.Pool, table, keyCol, keyVal string) (bool, error) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{keyCol}.Sanitize())
	tag, err := pool.Exec(ctx, sql, keyVal)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
