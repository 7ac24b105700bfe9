package project

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE class(
			id INTEGER PRIMARY KEY,
			position INT NOT NULL,
			class_id TEXT NOT NULL,
			name TEXT NOT NULL,
			color INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_class_class_id ON class (class_id);

		CREATE TABLE image(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			created_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_image_name ON image (name);

		CREATE TABLE annotation(
			id INTEGER PRIMARY KEY,
			image_id INT NOT NULL,
			annotation_id INT NOT NULL,
			class_id TEXT,
			name TEXT,
			geometry TEXT NOT NULL
		);
		CREATE UNIQUE INDEX idx_annotation_image_annotation ON annotation (image_id, annotation_id);
	`))

	return migs
}
