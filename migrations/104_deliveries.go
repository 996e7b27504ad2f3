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

func deliveries(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE deliveries(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id STRING NOT NULL REFERENCES activities(activity_id) ON DELETE CASCADE,
		inbox_url STRING NOT NULL,
		status STRING NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		next_retry_at INTEGER,
		error_message STRING
	)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX deliveriesstatus ON deliveries(status, next_retry_at)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX deliveriesactivity ON deliveries(activity_id)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX deliveriesuniq ON deliveries(activity_id, inbox_url)`); err != nil {
		return err
	}

	return nil
}
