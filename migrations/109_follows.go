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

func follows(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE ref_follows(
		follow_activity_id STRING PRIMARY KEY,
		follower_actor_id STRING NOT NULL,
		followed_actor_id STRING NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		status STRING NOT NULL DEFAULT 'pending'
	)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX reffollowsparticipants ON ref_follows(follower_actor_id, followed_actor_id)`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX reffollowsfollowed ON ref_follows(followed_actor_id, status)`); err != nil {
		return err
	}

	return nil
}
