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

// localusers backs the reference handlers.LocalActors implementation
// cmd/fedcore wires up: one row per locally-hosted actor, alongside its
// signing key in signing_keys.
func localusers(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE ref_local_users(
		actor_id STRING PRIMARY KEY,
		preferred_username STRING NOT NULL UNIQUE,
		manually_approves_followers INTEGER NOT NULL DEFAULT 0,
		actor JSONB NOT NULL
	)`); err != nil {
		return err
	}

	return nil
}
