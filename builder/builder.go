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

// Package builder constructs outgoing ActivityPub JSON-LD documents. It
// is pure: no database access, no HTTP. Delivery and persistence belong
// to publish.
package builder

import (
	"fmt"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/sanitize"
	"github.com/google/uuid"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// NewActivityID mints a fresh activity IRI under domain.
func NewActivityID(domain, prefix string) string {
	return fmt.Sprintf("https://%s/%s/%s", domain, prefix, uuid.NewString())
}

// Follow builds a Follow activity.
func Follow(id, followerID, followedID string) *ap.Activity {
	var to ap.Audience
	to.Add(followedID)

	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Follow,
		Actor:   followerID,
		Object:  followedID,
		To:      to,
	}
}

// Accept builds an Accept activity wrapping the Follow being accepted.
func Accept(id, actorID string, follow *ap.Activity) *ap.Activity {
	var to ap.Audience
	to.Add(follow.Actor)

	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Accept,
		Actor:   actorID,
		Object:  follow,
		To:      to,
	}
}

// Reject builds a Reject activity wrapping the Follow being rejected.
func Reject(id, actorID string, follow *ap.Activity) *ap.Activity {
	var to ap.Audience
	to.Add(follow.Actor)

	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Reject,
		Actor:   actorID,
		Object:  follow,
		To:      to,
	}
}

// Undo builds an Undo of a previously sent activity.
func Undo(id, actorID string, target *ap.Activity) *ap.Activity {
	var to ap.Audience
	if target.To.OrderedMap != nil {
		to = target.To
	}

	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Undo,
		Actor:   actorID,
		Object:  target,
		To:      to,
	}
}

// NoteOptions configures [Note].
type NoteOptions struct {
	ID             string
	AttributedTo   string
	Content        string
	Name           string
	Summary        string
	Sensitive      bool
	InReplyTo      string
	Visibility     Visibility
	FollowersURL   string
	CommunityURL   string
	Mentions       []Mention
	Attachments    []ap.Attachment
	Published      time.Time
}

// Visibility mirrors the audience shape a Note is built with.
type Visibility int

const (
	Public Visibility = iota
	Unlisted
	Followers
	Direct
)

// Mention is a resolved @user@domain reference to embed as a tag and add
// to the audience.
type Mention struct {
	Href string
	Name string
}

// Note builds a Note object per opts, sanitizing its content first.
func Note(opts NoteOptions) *ap.Object {
	var to, cc ap.Audience

	switch opts.Visibility {
	case Public:
		to.Add(ap.Public)
		if opts.FollowersURL != "" {
			cc.Add(opts.FollowersURL)
		}
	case Unlisted:
		if opts.FollowersURL != "" {
			to.Add(opts.FollowersURL)
		}
		cc.Add(ap.Public)
	case Followers:
		if opts.FollowersURL != "" {
			to.Add(opts.FollowersURL)
		}
	case Direct:
		// populated below from mentions only
	}

	tags := make(ap.Array[ap.Tag], 0, len(opts.Mentions))
	for _, m := range opts.Mentions {
		to.Add(m.Href)
		tags = append(tags, ap.Tag{Type: ap.MentionMention, Href: m.Href, Name: m.Name})
	}

	if opts.CommunityURL != "" {
		to.Add(opts.CommunityURL)
	}

	obj := &ap.Object{
		ID:           opts.ID,
		Type:         ap.Note,
		AttributedTo: opts.AttributedTo,
		Content:      sanitize.BasicHTML(opts.Content),
		Name:         opts.Name,
		Summary:      opts.Summary,
		Sensitive:    opts.Sensitive,
		InReplyTo:    opts.InReplyTo,
		To:           to,
		CC:           cc,
		Tag:          tags,
		Attachment:   opts.Attachments,
		Published:    ap.Time{Time: opts.Published},
	}

	return obj
}

// Create wraps obj in a Create activity, reusing its audience.
func Create(id, actorID string, obj *ap.Object) *ap.Activity {
	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Create,
		Actor:   actorID,
		Object:  obj,
		To:      obj.To,
		CC:      obj.CC,
	}
}

// Update wraps obj (object or actor) in an Update activity.
func Update(id, actorID string, obj any, to ap.Audience) *ap.Activity {
	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Update,
		Actor:   actorID,
		Object:  obj,
		To:      to,
	}
}

// Delete builds a Delete activity with a Tombstone object.
func Delete(id, actorID, objectID string) *ap.Activity {
	var to ap.Audience
	to.Add(ap.Public)

	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Delete,
		Actor:   actorID,
		Object:  &ap.Object{ID: objectID, Type: ap.Tombstone},
		To:      to,
	}
}

// Like builds a Like, Dislike or EmojiReact activity depending on kind.
func Like(id, actorID, objectID string, kind ap.ActivityType, content string) *ap.Activity {
	a := &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    kind,
		Actor:   actorID,
		Object:  objectID,
	}
	if kind == ap.EmojiReact {
		a.Content = content
	}
	return a
}

// Announce builds an Announce (boost) activity.
func Announce(id, actorID, objectID, followersURL string) *ap.Activity {
	var to, cc ap.Audience
	to.Add(ap.Public)
	if followersURL != "" {
		cc.Add(followersURL)
	}

	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Announce,
		Actor:   actorID,
		Object:  objectID,
		To:      to,
		CC:      cc,
	}
}

// Block builds a Block activity.
func Block(id, actorID, objectID string) *ap.Activity {
	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Block,
		Actor:   actorID,
		Object:  objectID,
	}
}

// Flag builds a Flag (report) activity against one or more objects.
func Flag(id, actorID string, objectIDs []string, content string) *ap.Activity {
	return &ap.Activity{
		Context: activityStreamsContext,
		ID:      id,
		Type:    ap.Flag,
		Actor:   actorID,
		Object:  objectIDs,
		Content: content,
	}
}
