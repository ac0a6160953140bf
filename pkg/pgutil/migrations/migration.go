// Package migrations holds migrations related helpers
package migrations

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

const usageText = `Usage:
  migrate [-config path] <command>

Runs a migration command against the relayer database:
  - init - creates migration info table in the database
  - up - runs all available migrations.
  - down - reverts last migration.
  - status - prints migration status.

Examples:
  go run ./cmd/relayer/migrate -config config.yaml init
  go run ./cmd/relayer/migrate -config config.yaml up
  go run ./cmd/relayer/migrate -config config.yaml down
`

// Usage prints command usage
func Usage() {
	fmt.Print(usageText)
	flag.PrintDefaults()
	os.Exit(2)
}

func errorf(s string, args ...any) {
	fmt.Fprintf(os.Stderr, s+"\n", args...)
}

// Exitf exits command printing usage
func Exitf(s string, args ...any) {
	errorf(s, args...)
	Usage()
	os.Exit(1)
}

// CreateSchema creates schema from models
func CreateSchema(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		log.Println("Creating Table for", reflect.TypeOf(model))
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// DropTables drops tables from database
func DropTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		log.Println("Dropping Table for", reflect.TypeOf(model))
		_, err := db.NewDropTable().
			Model(model).
			IfExists().
			Cascade().
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex creates indexName on tableName over one or more columns
func CreateIndex(ctx context.Context, db bun.IDB, tableName, indexName string, columns ...string) error {
	if len(columns) == 0 {
		return fmt.Errorf("index %s: no columns", indexName)
	}
	_, err := db.NewCreateIndex().
		Table(tableName).
		Index(indexName).
		Column(columns...).
		IfNotExists().
		Exec(ctx)
	return err
}

// CreateModelIndexes creates multiple indexes on the table associated with the model.
func CreateModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	for _, column := range columns {
		indexName, err := modelIndexName(db, model, column)
		if err != nil {
			return err
		}
		if _, err = db.NewCreateIndex().
			Model(model).
			Index(indexName).
			Column(column).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func modelIndexName(db bun.IDB, model any, column string) (string, error) {
	if model == nil {
		return "", fmt.Errorf("model cannot be nil")
	}
	tableName := db.NewCreateIndex().Model(model).GetTableName()
	if tableName == "" {
		return "", fmt.Errorf("failed to resolve table name for model %T", model)
	}

	indexTableName := strings.NewReplacer(`"`, "", ".", "_").Replace(tableName)
	return fmt.Sprintf("idx_%s_%s", indexTableName, column), nil
}

type command func(ctx context.Context, m *migrate.Migrator) error

var commands = map[string]command{
	"init": func(ctx context.Context, m *migrate.Migrator) error {
		if err := m.Init(ctx); err != nil {
			return err
		}
		log.Println("migration table created")
		return nil
	},
	"up": locked(func(ctx context.Context, m *migrate.Migrator) error {
		group, err := m.Migrate(ctx)
		if err != nil {
			return err
		}
		if group.IsZero() {
			log.Println("no new migrations to run (database is up to date)")
			return nil
		}
		log.Printf("migrated to %s\n", group)
		return nil
	}),
	"down": locked(func(ctx context.Context, m *migrate.Migrator) error {
		group, err := m.Rollback(ctx)
		if err != nil {
			return err
		}
		if group.IsZero() {
			log.Println("no migrations to rollback")
			return nil
		}
		log.Printf("rolled back %s\n", group)
		return nil
	}),
	"status": func(ctx context.Context, m *migrate.Migrator) error {
		ms, err := m.MigrationsWithStatus(ctx)
		if err != nil {
			return err
		}
		log.Printf("migrations: %s\n", ms)
		log.Printf("unapplied migrations: %s\n", ms.Unapplied())
		log.Printf("last migration group: %s\n", ms.LastGroup())
		return nil
	},
}

// locked runs cmd while holding the migration table lock
func locked(cmd command) command {
	return func(ctx context.Context, m *migrate.Migrator) error {
		if err := m.Lock(ctx); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer func() {
			if err := m.Unlock(ctx); err != nil {
				log.Printf("failed to release migration lock: %v", err)
			}
		}()
		return cmd(ctx, m)
	}
}

// RunMigrations runs the command named by args[0]
func RunMigrations(migrator *migrate.Migrator, args ...string) error {
	if len(args) == 0 {
		Exitf("no command provided")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return cmd(context.Background(), migrator)
}
