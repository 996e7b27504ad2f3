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

package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasicHTML_KeepsAllowedTags(t *testing.T) {
	assert.Equal(t, "<p>hello <b>world</b></p>", BasicHTML("<p>hello <b>world</b></p>"))
}

func TestBasicHTML_DropsScriptAndContent(t *testing.T) {
	assert.Equal(t, "safe", BasicHTML("<script>alert(1)</script>safe"))
}

func TestBasicHTML_DropsIframe(t *testing.T) {
	assert.Equal(t, "", BasicHTML(`<iframe src="https://evil.example"></iframe>`))
}

func TestBasicHTML_StripsEventHandlers(t *testing.T) {
	out := BasicHTML(`<a href="https://example.com" onclick="evil()">link</a>`)
	assert.Equal(t, `<a href="https://example.com">link</a>`, out)
}

func TestBasicHTML_RejectsJavascriptURL(t *testing.T) {
	out := BasicHTML(`<a href="javascript:alert(1)">click</a>`)
	assert.Equal(t, "<a>click</a>", out)
}

func TestBasicHTML_RejectsDataURL(t *testing.T) {
	out := BasicHTML(`<a href="data:text/html,evil">click</a>`)
	assert.Equal(t, "<a>click</a>", out)
}

func TestBasicHTML_DropsDisallowedTagButKeepsText(t *testing.T) {
	assert.Equal(t, "hello", BasicHTML("<div>hello</div>"))
}

func TestBasicHTML_EmptyInput(t *testing.T) {
	assert.Equal(t, "", BasicHTML(""))
}
