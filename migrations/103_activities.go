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

// activities stores every activity this instance has ever published
// locally, for audience expansion lookups and retry/maintenance sweeps.
// Inbound activities never land here: they flow from the inbox handler
// straight into inboxqueue and the durable job queue, which carry their
// own copy of the activity body.
func activities(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE activities(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id STRING NOT NULL UNIQUE,
		activity_type STRING NOT NULL,
		actor_uri STRING NOT NULL,
		object_id STRING,
		data JSONB NOT NULL,
		local INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx, `CREATE INDEX activitiesactor ON activities(actor_uri)`)
	return err
}
