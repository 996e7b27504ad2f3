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

// migrations is applied in order by [Run]. IDs start at 100: this
// engine's schema has no relationship to any prior application's.
var migrations = []migration{
	{ID: "100_actors", Up: actors},
	{ID: "101_instances", Up: instances},
	{ID: "102_jobs", Up: jobs},
	{ID: "103_activities", Up: activities},
	{ID: "104_deliveries", Up: deliveries},
	{ID: "105_signingkeys", Up: signingkeys},
	{ID: "106_relaysubscriptions", Up: relaysubscriptions},
	{ID: "107_messages", Up: messages},
	{ID: "108_interactions", Up: interactions},
	{ID: "109_follows", Up: follows},
	{ID: "110_blocksandreports", Up: blocksandreports},
	{ID: "111_localusers", Up: localusers},
}
