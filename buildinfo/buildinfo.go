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

// Package buildinfo holds version metadata stamped in at build time via
// -ldflags, and read back by the NodeInfo handler, the outgoing User-Agent
// and the --version flag.
package buildinfo

// Version is overridden at build time, e.g.:
//
//	go build -ldflags "-X github.com/dimkr/fedcore/buildinfo.Version=1.2.3"
var Version = "dev"
