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

func relaysubscriptions(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE relay_subscriptions(
		relay_uri STRING PRIMARY KEY,
		follow_activity_id STRING,
		status STRING NOT NULL DEFAULT 'pending',
		relay_inbox STRING NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}
