package tasks

import "github.com/veiloq/tempgres/migration"

// Migrations returns the schema chain for the tasks table.
func Migrations() (*migration.Chain, error) {
	return migration.NewChain(migration.Revision{
		ID:   "745aa71c5729",
		Name: "create_tasks",
		UpSQL: `CREATE TABLE tasks (
			id        SERIAL PRIMARY KEY,
			task      TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		DownSQL: `DROP TABLE tasks`,
	})
}
