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

// Package sanitize strips markup that doesn't belong in a federated
// content field before it's embedded in an outgoing document.
package sanitize

import (
	"errors"
	"io"
	"strings"

	tokenizer "golang.org/x/net/html"
)

// allowedTags is the inline-formatting allowlist: everything else is
// dropped, though its text content is kept unless it's in droppedTags.
var allowedTags = map[string]struct{}{
	"p":          {},
	"br":         {},
	"a":          {},
	"span":       {},
	"b":          {},
	"i":          {},
	"em":         {},
	"strong":     {},
	"code":       {},
	"pre":        {},
	"blockquote": {},
	"ul":         {},
	"ol":         {},
	"li":         {},
}

// droppedTags are stripped along with their text content.
var droppedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"iframe":   {},
	"object":   {},
	"embed":    {},
	"form":     {},
	"noscript": {},
}

// allowedAttrs lists the attributes kept per tag; anything else,
// including every event-handler attribute, is dropped.
var allowedAttrs = map[string]map[string]struct{}{
	"a":    {"href": {}, "rel": {}, "class": {}, "target": {}},
	"span": {"class": {}, "translate": {}},
}

func isSafeURL(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return !strings.HasPrefix(lower, "javascript:") && !strings.HasPrefix(lower, "data:")
}

// BasicHTML sanitizes s for embedding in an outgoing ActivityPub content
// field: script/iframe/style and their content are dropped entirely,
// event-handler attributes and javascript:/data: URLs are stripped, and
// everything else collapses to a small inline-formatting allowlist.
func BasicHTML(s string) string {
	if s == "" {
		return ""
	}

	tok := tokenizer.NewTokenizer(strings.NewReader(s))

	var b strings.Builder
	var dropDepth int
	var openTags []string

	for {
		tt := tok.Next()
		switch tt {
		case tokenizer.ErrorToken:
			if errors.Is(tok.Err(), io.EOF) {
				return b.String()
			}
			return b.String()

		case tokenizer.TextToken:
			if dropDepth == 0 {
				b.Write(tok.Text())
			}

		case tokenizer.StartTagToken, tokenizer.SelfClosingTagToken:
			tagBytes, hasAttrs := tok.TagName()
			tag := string(tagBytes)

			if _, drop := droppedTags[tag]; drop {
				if tt == tokenizer.StartTagToken {
					dropDepth++
				}
				continue
			}

			if dropDepth > 0 {
				continue
			}

			_, allowed := allowedTags[tag]

			var attrs []tokenizer.Attribute
			if hasAttrs {
				for {
					var a tokenizer.Attribute
					keyBytes, valBytes, more := tok.TagAttr()
					a.Key = string(keyBytes)
					a.Val = string(valBytes)
					attrs = append(attrs, a)
					if !more {
						break
					}
				}
			}

			if !allowed {
				continue
			}

			b.WriteByte('<')
			b.WriteString(tag)

			kept := allowedAttrs[tag]
			for _, a := range attrs {
				if strings.HasPrefix(a.Key, "on") {
					continue
				}
				if _, ok := kept[a.Key]; !ok {
					continue
				}
				if (a.Key == "href" || a.Key == "src") && !isSafeURL(a.Val) {
					continue
				}
				b.WriteByte(' ')
				b.WriteString(a.Key)
				b.WriteString(`="`)
				b.WriteString(tokenizer.EscapeString(a.Val))
				b.WriteByte('"')
			}

			if tt == tokenizer.SelfClosingTagToken || tag == "br" {
				b.WriteString(" />")
			} else {
				b.WriteByte('>')
				openTags = append(openTags, tag)
			}

		case tokenizer.EndTagToken:
			tagBytes, _ := tok.TagName()
			tag := string(tagBytes)

			if _, drop := droppedTags[tag]; drop {
				if dropDepth > 0 {
					dropDepth--
				}
				continue
			}

			if dropDepth > 0 {
				continue
			}

			if _, allowed := allowedTags[tag]; !allowed || tag == "br" {
				continue
			}

			if len(openTags) > 0 && openTags[len(openTags)-1] == tag {
				openTags = openTags[:len(openTags)-1]
				b.WriteString("</")
				b.WriteString(tag)
				b.WriteByte('>')
			}
		}
	}
}
