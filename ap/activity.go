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

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dimkr/fedcore/data"
)

type ActivityType string

const (
	Create     ActivityType = "Create"
	Follow     ActivityType = "Follow"
	Accept     ActivityType = "Accept"
	Reject     ActivityType = "Reject"
	Undo       ActivityType = "Undo"
	Delete     ActivityType = "Delete"
	Announce   ActivityType = "Announce"
	Update     ActivityType = "Update"
	Like       ActivityType = "Like"
	Dislike    ActivityType = "Dislike"
	Move       ActivityType = "Move"
	Block      ActivityType = "Block"
	Flag       ActivityType = "Flag"
	EmojiReact ActivityType = "EmojiReact"
)

type anyActivity struct {
	Context any             `json:"@context"`
	ID      string          `json:"id"`
	Type    ActivityType    `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
	Target  string          `json:"target"`
	To      Audience        `json:"to"`
	CC      Audience        `json:"cc"`
	Content string          `json:"content"`
}

// Activity represents an ActivityPub activity.
// Object can point to another Activity, an [Object], a bare string IRI,
// or (Flag only) a list of IRIs.
type Activity struct {
	Context   any          `json:"@context,omitempty"`
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Actor     string       `json:"actor"`
	Object    any          `json:"object"`
	Target    string       `json:"target,omitempty"`
	To        Audience     `json:"to,omitempty"`
	CC        Audience     `json:"cc,omitempty"`
	// Content carries free text that doesn't fit elsewhere: the emoji for
	// an EmojiReact, the reporter's note on a Flag.
	Content   string       `json:"content,omitempty"`
	Published *Time        `json:"published,omitempty"`
}

// RawActivity is a serialized or serializable [Activity]
type RawActivity interface {
	data.JSON | *Activity
}

var (
	ErrInvalidActivity = errors.New("invalid activity")

	knownActivityTypes = map[ActivityType]struct{}{
		Create:     {},
		Follow:     {},
		Accept:     {},
		Reject:     {},
		Undo:       {},
		Delete:     {},
		Announce:   {},
		Update:     {},
		Like:       {},
		Dislike:    {},
		Move:       {},
		Block:      {},
		Flag:       {},
		EmojiReact: {},
	}
)

// IsKnownActivityType reports whether t is part of the closed activity-type
// set this engine dispatches on.
func IsKnownActivityType(t ActivityType) bool {
	_, ok := knownActivityTypes[t]
	return ok
}

func (a *Activity) IsPublic() bool {
	return a.To.Contains(Public) || a.CC.Contains(Public)
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	var common anyActivity
	if err := json.Unmarshal(b, &common); err != nil {
		return err
	}

	if _, ok := knownActivityTypes[common.Type]; !ok {
		return ErrInvalidActivity
	}

	a.Context = common.Context
	a.ID = common.ID
	a.Type = common.Type
	a.Actor = common.Actor
	a.Target = common.Target
	a.To = common.To
	a.CC = common.CC
	a.Content = common.Content

	if len(common.Object) == 0 {
		return nil
	}

	var object Object
	var activity Activity
	var link string
	var links []string
	if err := json.Unmarshal(common.Object, &activity); err == nil && activity.Type != "" {
		a.Object = &activity
	} else if err := json.Unmarshal(common.Object, &object); err == nil && object.ID != "" {
		a.Object = &object
	} else if err := json.Unmarshal(common.Object, &link); err == nil {
		a.Object = link
	} else if err := json.Unmarshal(common.Object, &links); err == nil {
		a.Object = links
	} else {
		return ErrInvalidActivity
	}

	return nil
}

func (a *Activity) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("unsupported conversion from %T to %T", src, a)
	}
	return json.Unmarshal([]byte(s), a)
}

func (a *Activity) Value() (driver.Value, error) {
	buf, err := json.Marshal(a)
	return string(buf), err
}

func (a *Activity) LogValue() slog.Value {
	switch o := a.Object.(type) {
	case *Object:
		return slog.GroupValue(slog.String("id", a.ID), slog.String("type", string(a.Type)), slog.String("actor", a.Actor), slog.Group("object", "kind", "object", "id", o.ID, "type", o.Type, "attributed_to", o.AttributedTo))
	case *Activity:
		return slog.GroupValue(slog.String("id", a.ID), slog.String("type", string(a.Type)), slog.String("actor", a.Actor), slog.Group("object", "kind", "activity", "id", o.ID, "type", o.Type, "actor", o.Actor))
	case string:
		return slog.GroupValue(slog.String("id", a.ID), slog.String("type", string(a.Type)), slog.String("actor", a.Actor), slog.Group("object", "kind", "string", "id", o))
	case []string:
		return slog.GroupValue(slog.String("id", a.ID), slog.String("type", string(a.Type)), slog.String("actor", a.Actor), slog.Group("object", "kind", "list", "count", len(o)))
	default:
		return slog.GroupValue(slog.String("id", a.ID), slog.String("type", string(a.Type)), slog.String("actor", a.Actor))
	}
}
