/*
Copyright 2023 - 2026 Dima Krasner

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

package ap

import "net/url"

// Origins returns the origin (host) of an ActivityPub ID and the ID's
// host, which are always equal: portable (did:key / ap://) IDs are out of
// scope for this engine, every ID is a plain http(s) IRI.
func Origins(id string) (string, string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", "", err
	}

	return u.Host, u.Host, nil
}

// Origin returns the origin (host) of an ActivityPub ID.
func Origin(id string) (string, error) {
	origin, _, err := Origins(id)
	return origin, err
}
