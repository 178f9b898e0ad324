package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/storage/postgres"
	"github.com/techiepookie/arguxai/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back schema migrations",
	Long: `Apply pending schema migrations (default: up) or roll back the latest one,
then print the resulting schema version.

Postgres runs the embedded SQL migrations. SQLite databases also migrate
themselves on open, so "down" only sticks until the next command opens the
database with this binary.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{postgres.DirectionUp, postgres.DirectionDown},
	Run: func(cmd *cobra.Command, args []string) {
		direction, err := migrateDirection(args)
		if err != nil {
			fail("%v", err)
		}

		if !settings.UsesPostgres() {
			v, err := migrateSQLite(context.Background(), settings.Storage.Path, direction)
			if err != nil {
				fail("%v", err)
			}
			fmt.Printf("%s migrated %s, schema version %d\n", green("✓"), direction, v)
			return
		}

		dsn := settings.Storage.PostgresDSN
		if err := postgres.Migrate(dsn, direction); err != nil {
			fail("%v", err)
		}
		v, dirty, err := postgres.Version(dsn)
		if err != nil {
			fail("%v", err)
		}

		state := green("clean")
		if dirty {
			state = red("dirty")
		}
		fmt.Printf("%s migrated %s, schema version %d (%s)\n", green("✓"), direction, v, state)
	},
}

func migrateDirection(args []string) (string, error) {
	if len(args) == 0 {
		return postgres.DirectionUp, nil
	}
	switch args[0] {
	case postgres.DirectionUp, postgres.DirectionDown:
		return args[0], nil
	default:
		return "", fmt.Errorf("unknown direction %q (want %s or %s)", args[0], postgres.DirectionUp, postgres.DirectionDown)
	}
}

// migrateSQLite returns the schema version of the database at path after
// migrating it in direction
func migrateSQLite(ctx context.Context, path, direction string) (int, error) {
	if direction == postgres.DirectionDown {
		return sqlite.Rollback(ctx, path)
	}
	store, err := sqlite.New(ctx, path)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.SchemaVersion(ctx)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
