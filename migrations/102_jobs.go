/*
Copyright 2025, 2026 Dima Krasner

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

package migrations

import (
	"context"
	"database/sql"
)

func jobs(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE jobs(
		id STRING PRIMARY KEY,
		queue STRING NOT NULL,
		priority INTEGER NOT NULL,
		unique_key STRING,
		args JSONB NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		inserted_at INTEGER NOT NULL,
		scheduled_at INTEGER NOT NULL,
		state STRING NOT NULL
	)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX jobspop ON jobs(queue, state, priority, scheduled_at)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX jobsuniquekey ON jobs(queue, unique_key) WHERE unique_key IS NOT NULL AND state IN ('available', 'executing')`); err != nil {
		return err
	}

	return nil
}
