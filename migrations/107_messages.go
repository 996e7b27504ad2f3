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

// messages is the reference timeline store cmd/fedcore wires up to
// demonstrate the engine end to end; a real application supplies its own
// implementation of handlers.MessageStore instead.
func messages(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE ref_messages(
		activity_id STRING PRIMARY KEY,
		sender_actor_id STRING NOT NULL,
		content STRING NOT NULL,
		name STRING,
		content_warning STRING,
		sensitive INTEGER NOT NULL DEFAULT 0,
		visibility STRING NOT NULL,
		reply_to_id STRING,
		reply_count INTEGER NOT NULL DEFAULT 0,
		attachments JSONB,
		published INTEGER NOT NULL,
		edited_at INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx, `CREATE INDEX refmessagesreplyto ON ref_messages(reply_to_id)`)
	return err
}
