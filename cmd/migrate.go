/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package main provides the CLI commands for managing the treasury database schema.
*/

package main

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/blnkfinance/treasury"
	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

const migrationSchema = "blnk"

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: treasury.SQLFiles,
		Root:       "sql",
	}
}

func migrationDB(cnf *config.Configuration) (*sql.DB, error) {
	if strings.HasPrefix(cnf.DataSource.Dns, database.MemoryDSNPrefix) {
		return nil, fmt.Errorf("the in-memory data source has no schema to migrate")
	}
	return database.ConnectDB(cnf.DataSource)
}

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(t *treasuryInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run treasury database migrations",
	}

	cmd.AddCommand(migrateRunCommand(t, "up", migrate.Up))
	cmd.AddCommand(migrateRunCommand(t, "down", migrate.Down))
	cmd.AddCommand(migrateStatusCommand(t))

	return cmd
}

// migrateRunCommand applies migrations in direction. --max limits how many are applied;
// zero applies them all.
func migrateRunCommand(t *treasuryInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("migrate the schema %s", use),
		Run: func(cmd *cobra.Command, args []string) {
			db, err := migrationDB(t.cnf)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema(migrationSchema)
			n, err := migrate.ExecMax(db, "postgres", migrationSource(), direction, max)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Applied %d migrations %s!\n", n, use)
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "maximum number of migrations to apply")
	return cmd
}

func migrateStatusCommand(t *treasuryInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "list applied migrations",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := migrationDB(t.cnf)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema(migrationSchema)
			records, err := migrate.GetMigrationRecords(db, "postgres")
			if err != nil {
				log.Printf("Error reading migration records: %v", err)
				return
			}
			for _, r := range records {
				fmt.Printf("%s\t%s\n", r.Id, r.AppliedAt.Format("2006-01-02 15:04:05"))
			}
		},
	}
}
