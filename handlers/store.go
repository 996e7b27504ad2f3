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

// Package handlers dispatches validated, MRF-passed activities to
// per-type logic. Handlers never own the application's local follow or
// message tables directly: those are supplied by the embedding
// application through the interfaces in this file, so this engine stays
// a reusable federation core rather than a specific social app.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/dimkr/fedcore/ap"
)

// Visibility mirrors a Message's federated audience.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityUnlisted  Visibility = "unlisted"
	VisibilityFollowers Visibility = "followers"
	VisibilityDirect    Visibility = "direct"
)

// Attachment is a federated media attachment, stripped of everything but
// what a local timeline needs to render it.
type Attachment struct {
	URL     string
	Type    string
	AltText string
}

// Message is the subset of a local post/reply this core reads and
// writes when federating. The embedding application's own Message
// entity carries far more; this is the federation-relevant projection.
type Message struct {
	ActivityID    string
	SenderActorID string
	Content       string
	Name          string
	ContentWarning string
	Sensitive     bool
	Visibility    Visibility
	ReplyToID     string
	Attachments   []Attachment
	Published     time.Time
	EditedAt      time.Time
}

// MessageStore persists federated messages on behalf of the embedding
// application.
type MessageStore interface {
	// Create inserts msg, or is a no-op if ActivityID already exists.
	// Returns created=false when the message already existed.
	Create(ctx context.Context, msg *Message) (created bool, err error)
	FindByActivityID(ctx context.Context, activityID string) (*Message, error)
	IncrementReplyCount(ctx context.Context, parentActivityID string) error
	Update(ctx context.Context, activityID, content, name, contentWarning string, editedAt time.Time) error
	SoftDelete(ctx context.Context, activityID string) error
}

// InteractionKind distinguishes the three reaction types this core
// tracks without interpreting further.
type InteractionKind string

const (
	InteractionLike       InteractionKind = "like"
	InteractionDislike    InteractionKind = "dislike"
	InteractionEmojiReact InteractionKind = "emoji_react"
)

// InteractionStore records and retracts Like/Dislike/EmojiReact/Announce.
type InteractionStore interface {
	Record(ctx context.Context, kind InteractionKind, activityID, messageActivityID, actorID, emoji string) error
	Remove(ctx context.Context, kind InteractionKind, messageActivityID, actorID string) error
	RecordShare(ctx context.Context, activityID, messageActivityID, actorID string) error
	RemoveShare(ctx context.Context, messageActivityID, actorID string) error
}

// FollowStatus is the lifecycle of a local Follow record.
type FollowStatus string

const (
	FollowPending FollowStatus = "pending"
	FollowActive  FollowStatus = "active"
	FollowRejected FollowStatus = "rejected"
)

// FollowStore persists local follow relationships, keyed by the Follow
// activity's own ID so Accept/Reject/Undo can find the right row.
type FollowStore interface {
	CreatePending(ctx context.Context, followActivityID, followerActorID, followedID string, local bool) error
	Activate(ctx context.Context, followActivityID string) error
	FindByActivityID(ctx context.Context, followActivityID string) (followerActorID, followedID string, err error)
	FindByParticipants(ctx context.Context, followerActorID, followedID string) (followActivityID string, err error)
	Delete(ctx context.Context, followActivityID string) error
	// ListActiveFollowers returns the remote actor IDs with an active
	// follow of followedID, for expanding a wide (followers-addressed)
	// outgoing delivery.
	ListActiveFollowers(ctx context.Context, followedID string) ([]string, error)
}

// BlockStore persists local actor-level blocks.
type BlockStore interface {
	Block(ctx context.Context, blockerActorID, blockedActorID string) error
	Unblock(ctx context.Context, blockerActorID, blockedActorID string) error
}

// ReportStore records moderation reports filed via Flag.
type ReportStore interface {
	CreateReport(ctx context.Context, reporterActorID string, targetURIs []string, content string) error
}

// LocalActors resolves whether an actor URI belongs to a local user and,
// if so, how that user has configured follow approval, and serves the
// actor documents remote servers fetch over HTTP.
type LocalActors interface {
	IsLocal(ctx context.Context, actorID string) (bool, error)
	ManuallyApprovesFollowers(ctx context.Context, actorID string) (bool, error)
	// ActorByID returns the local actor document for actorID, or
	// ErrActorNotFound if no local user has that ID.
	ActorByID(ctx context.Context, actorID string) (*ap.Actor, error)
	// ActorByUsername returns the local actor document whose
	// preferredUsername is username, or ErrActorNotFound.
	ActorByUsername(ctx context.Context, username string) (*ap.Actor, error)
}

// ErrActorNotFound is returned by [LocalActors] lookups that find no
// matching local user.
var ErrActorNotFound = errors.New("actor not found")
