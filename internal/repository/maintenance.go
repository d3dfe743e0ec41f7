package repository

import (
	"context"
	"fmt"

	"yahtzee/internal/database"
)

// ClearAll deletes every row, children before parents.
func ClearAll(ctx context.Context, db database.DBTX) error {
	for _, table := range []string{"users_games", "sessions", "game", `"user"`} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
