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

package ap

import "testing"

func TestOrigin(t *testing.T) {
	origin, err := Origin("https://a.b/users/alice")
	if err != nil {
		t.Fatalf("Origin failed: %v", err)
	}
	if origin != "a.b" {
		t.Fatalf("expected a.b, got %s", origin)
	}
}

func TestOrigins(t *testing.T) {
	origin, host, err := Origins("https://a.b/users/alice")
	if err != nil {
		t.Fatalf("Origins failed: %v", err)
	}
	if origin != "a.b" || host != "a.b" {
		t.Fatalf("expected a.b/a.b, got %s/%s", origin, host)
	}
}
