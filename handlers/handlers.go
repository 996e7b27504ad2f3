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

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/builder"
)

// ErrUnsupportedObject is returned when an activity's object shape doesn't
// match what its type requires.
var ErrUnsupportedObject = errors.New("unsupported object for activity type")

// Publisher hands a locally-built activity to the outgoing pipeline.
// Handlers never deliver activities themselves; they only decide what, if
// anything, should be sent back.
type Publisher interface {
	Publish(ctx context.Context, actorID string, activity *ap.Activity) error
}

// Dispatcher routes validated, MRF-passed activities to per-type logic,
// using the storage interfaces in store.go for every side effect that
// belongs to the embedding application rather than to federation itself.
type Dispatcher struct {
	Domain       string
	Messages     MessageStore
	Interactions InteractionStore
	Follows      FollowStore
	Blocks       BlockStore
	Reports      ReportStore
	Local        LocalActors
	Publisher    Publisher
	NewID        func(prefix string) string
}

// Handle dispatches activity to the handler for its type.
func (d *Dispatcher) Handle(ctx context.Context, activity *ap.Activity) error {
	switch activity.Type {
	case ap.Create:
		return d.handleCreate(ctx, activity)
	case ap.Update:
		return d.handleUpdate(ctx, activity)
	case ap.Delete:
		return d.handleDelete(ctx, activity)
	case ap.Follow:
		return d.handleFollow(ctx, activity)
	case ap.Accept:
		return d.handleAccept(ctx, activity)
	case ap.Reject:
		return d.handleReject(ctx, activity)
	case ap.Undo:
		return d.handleUndo(ctx, activity)
	case ap.Like, ap.Dislike, ap.EmojiReact:
		return d.handleReaction(ctx, activity)
	case ap.Announce:
		return d.handleAnnounce(ctx, activity)
	case ap.Block:
		return d.handleBlock(ctx, activity)
	case ap.Flag:
		return d.handleFlag(ctx, activity)
	case ap.Move:
		slog.DebugContext(ctx, "ignoring unsupported Move activity", "id", activity.ID)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedObject, activity.Type)
	}
}

func visibilityOf(obj *ap.Object, followersURL string) Visibility {
	if obj.IsPublic() {
		return VisibilityPublic
	}
	if followersURL != "" && (obj.To.Contains(followersURL) || obj.CC.Contains(followersURL)) {
		return VisibilityFollowers
	}
	if len(obj.To.OrderedMap)+len(obj.CC.OrderedMap) == 0 {
		return VisibilityDirect
	}
	return VisibilityUnlisted
}

func (d *Dispatcher) handleCreate(ctx context.Context, activity *ap.Activity) error {
	obj, ok := activity.Object.(*ap.Object)
	if !ok {
		return fmt.Errorf("%w: Create", ErrUnsupportedObject)
	}
	if !ap.IsContentObjectType(obj.Type) {
		slog.DebugContext(ctx, "ignoring Create of unsupported object type", "type", obj.Type)
		return nil
	}

	msg := &Message{
		ActivityID:     obj.ID,
		SenderActorID:  activity.Actor,
		Content:        obj.Content,
		Name:           obj.Name,
		ContentWarning: obj.Summary,
		Sensitive:      obj.Sensitive,
		Visibility:     visibilityOf(obj, activity.Actor+"/followers"),
		ReplyToID:      obj.InReplyTo,
		Published:      obj.Published.Time,
	}
	for _, a := range obj.Attachment {
		msg.Attachments = append(msg.Attachments, Attachment{URL: a.URL, Type: string(a.Type), AltText: a.Name})
	}

	created, err := d.Messages.Create(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to store message %s: %w", obj.ID, err)
	}
	if !created {
		return nil
	}

	if obj.InReplyTo != "" {
		if err := d.Messages.IncrementReplyCount(ctx, obj.InReplyTo); err != nil {
			slog.WarnContext(ctx, "failed to bump reply count", "parent", obj.InReplyTo, "error", err)
		}
	}

	return nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, activity *ap.Activity) error {
	obj, ok := activity.Object.(*ap.Object)
	if !ok {
		// actor profile updates are handled by the fetcher's cache refresh,
		// not here.
		return nil
	}
	if !ap.IsContentObjectType(obj.Type) {
		return nil
	}

	if err := d.Messages.Update(ctx, obj.ID, obj.Content, obj.Name, obj.Summary, obj.Updated.Time); err != nil {
		return fmt.Errorf("failed to update message %s: %w", obj.ID, err)
	}
	return nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, activity *ap.Activity) error {
	var objectID string
	switch v := activity.Object.(type) {
	case *ap.Object:
		objectID = v.ID
	case string:
		objectID = v
	default:
		return fmt.Errorf("%w: Delete", ErrUnsupportedObject)
	}

	if objectID == activity.Actor {
		// actor self-deletion: nothing local to do until a local-follow
		// cleanup pass is wired in by the embedding application.
		return nil
	}

	if err := d.Messages.SoftDelete(ctx, objectID); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", objectID, err)
	}
	return nil
}

func (d *Dispatcher) handleFollow(ctx context.Context, activity *ap.Activity) error {
	followed, ok := activity.Object.(string)
	if !ok {
		return fmt.Errorf("%w: Follow", ErrUnsupportedObject)
	}

	local, err := d.Local.IsLocal(ctx, followed)
	if err != nil {
		return fmt.Errorf("failed to check if %s is local: %w", followed, err)
	}
	if !local {
		// a remote-to-remote Follow forwarded to us has nothing for us to do.
		return nil
	}

	if err := d.Follows.CreatePending(ctx, activity.ID, activity.Actor, followed, true); err != nil {
		return fmt.Errorf("failed to record follow %s: %w", activity.ID, err)
	}

	approves, err := d.Local.ManuallyApprovesFollowers(ctx, followed)
	if err != nil {
		return fmt.Errorf("failed to check follow policy for %s: %w", followed, err)
	}
	if approves {
		return nil
	}

	if err := d.Follows.Activate(ctx, activity.ID); err != nil {
		return fmt.Errorf("failed to activate follow %s: %w", activity.ID, err)
	}

	accept := builder.Accept(d.NewID("accept"), followed, activity)
	if err := d.Publisher.Publish(ctx, followed, accept); err != nil {
		return fmt.Errorf("failed to publish Accept for %s: %w", activity.ID, err)
	}
	return nil
}

func (d *Dispatcher) handleAccept(ctx context.Context, activity *ap.Activity) error {
	follow, ok := activity.Object.(*ap.Activity)
	if !ok || follow.Type != ap.Follow {
		return fmt.Errorf("%w: Accept", ErrUnsupportedObject)
	}

	if err := d.Follows.Activate(ctx, follow.ID); err != nil {
		return fmt.Errorf("failed to activate follow %s: %w", follow.ID, err)
	}
	return nil
}

func (d *Dispatcher) handleReject(ctx context.Context, activity *ap.Activity) error {
	follow, ok := activity.Object.(*ap.Activity)
	if !ok || follow.Type != ap.Follow {
		return fmt.Errorf("%w: Reject", ErrUnsupportedObject)
	}

	if err := d.Follows.Delete(ctx, follow.ID); err != nil {
		return fmt.Errorf("failed to delete rejected follow %s: %w", follow.ID, err)
	}
	return nil
}

func (d *Dispatcher) handleUndo(ctx context.Context, activity *ap.Activity) error {
	inner, ok := activity.Object.(*ap.Activity)
	if !ok {
		return fmt.Errorf("%w: Undo", ErrUnsupportedObject)
	}

	switch inner.Type {
	case ap.Follow:
		followed, ok := inner.Object.(string)
		if !ok {
			return fmt.Errorf("%w: Undo(Follow)", ErrUnsupportedObject)
		}
		followActivityID, err := d.Follows.FindByParticipants(ctx, inner.Actor, followed)
		if err != nil {
			return fmt.Errorf("failed to look up follow by %s of %s: %w", inner.Actor, followed, err)
		}
		if err := d.Follows.Delete(ctx, followActivityID); err != nil {
			return fmt.Errorf("failed to delete follow %s: %w", followActivityID, err)
		}
		return nil

	case ap.Like, ap.Dislike, ap.EmojiReact:
		kind := reactionKind(inner.Type)
		messageID, ok := inner.Object.(string)
		if !ok {
			return fmt.Errorf("%w: Undo(%s)", ErrUnsupportedObject, inner.Type)
		}
		if err := d.Interactions.Remove(ctx, kind, messageID, inner.Actor); err != nil {
			return fmt.Errorf("failed to remove %s by %s on %s: %w", kind, inner.Actor, messageID, err)
		}
		return nil

	case ap.Announce:
		messageID, ok := inner.Object.(string)
		if !ok {
			return fmt.Errorf("%w: Undo(Announce)", ErrUnsupportedObject)
		}
		if err := d.Interactions.RemoveShare(ctx, messageID, inner.Actor); err != nil {
			return fmt.Errorf("failed to remove share by %s on %s: %w", inner.Actor, messageID, err)
		}
		return nil

	case ap.Block:
		blocked, ok := inner.Object.(string)
		if !ok {
			return fmt.Errorf("%w: Undo(Block)", ErrUnsupportedObject)
		}
		if err := d.Blocks.Unblock(ctx, inner.Actor, blocked); err != nil {
			return fmt.Errorf("failed to unblock %s by %s: %w", blocked, inner.Actor, err)
		}
		return nil

	default:
		slog.DebugContext(ctx, "ignoring Undo of unsupported activity", "type", inner.Type)
		return nil
	}
}

func reactionKind(t ap.ActivityType) InteractionKind {
	switch t {
	case ap.Dislike:
		return InteractionDislike
	case ap.EmojiReact:
		return InteractionEmojiReact
	default:
		return InteractionLike
	}
}

func (d *Dispatcher) handleReaction(ctx context.Context, activity *ap.Activity) error {
	messageID, ok := activity.Object.(string)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedObject, activity.Type)
	}

	kind := reactionKind(activity.Type)
	if err := d.Interactions.Record(ctx, kind, activity.ID, messageID, activity.Actor, activity.Content); err != nil {
		return fmt.Errorf("failed to record %s by %s on %s: %w", kind, activity.Actor, messageID, err)
	}
	return nil
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, activity *ap.Activity) error {
	messageID, ok := activity.Object.(string)
	if !ok {
		return fmt.Errorf("%w: Announce", ErrUnsupportedObject)
	}

	if _, err := d.Messages.FindByActivityID(ctx, messageID); err != nil {
		// an Announce of content we've never fetched is recorded anyway;
		// the embedding application decides whether to backfill it.
		slog.DebugContext(ctx, "announce of unknown message", "message", messageID, "error", err)
	}

	if err := d.Interactions.RecordShare(ctx, activity.ID, messageID, activity.Actor); err != nil {
		return fmt.Errorf("failed to record share by %s on %s: %w", activity.Actor, messageID, err)
	}
	return nil
}

func (d *Dispatcher) handleBlock(ctx context.Context, activity *ap.Activity) error {
	blocked, ok := activity.Object.(string)
	if !ok {
		return fmt.Errorf("%w: Block", ErrUnsupportedObject)
	}

	if err := d.Blocks.Block(ctx, activity.Actor, blocked); err != nil {
		return fmt.Errorf("failed to record block of %s by %s: %w", blocked, activity.Actor, err)
	}
	return nil
}

func (d *Dispatcher) handleFlag(ctx context.Context, activity *ap.Activity) error {
	var targets []string
	switch v := activity.Object.(type) {
	case string:
		targets = []string{v}
	case []string:
		targets = v
	default:
		return fmt.Errorf("%w: Flag", ErrUnsupportedObject)
	}

	if err := d.Reports.CreateReport(ctx, activity.Actor, targets, activity.Content); err != nil {
		return fmt.Errorf("failed to record report from %s: %w", activity.Actor, err)
	}
	return nil
}
