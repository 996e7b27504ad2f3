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
	"testing"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/stretchr/testify/assert"
)

type fakeMessages struct {
	created map[string]*Message
	updated map[string]bool
	deleted map[string]bool
	replies map[string]int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{created: map[string]*Message{}, updated: map[string]bool{}, deleted: map[string]bool{}, replies: map[string]int{}}
}

func (f *fakeMessages) Create(ctx context.Context, msg *Message) (bool, error) {
	if _, ok := f.created[msg.ActivityID]; ok {
		return false, nil
	}
	f.created[msg.ActivityID] = msg
	return true, nil
}

func (f *fakeMessages) FindByActivityID(ctx context.Context, activityID string) (*Message, error) {
	if m, ok := f.created[activityID]; ok {
		return m, nil
	}
	return nil, assert.AnError
}

func (f *fakeMessages) IncrementReplyCount(ctx context.Context, parentActivityID string) error {
	f.replies[parentActivityID]++
	return nil
}

func (f *fakeMessages) Update(ctx context.Context, activityID, content, name, contentWarning string, editedAt time.Time) error {
	f.updated[activityID] = true
	return nil
}

func (f *fakeMessages) SoftDelete(ctx context.Context, activityID string) error {
	f.deleted[activityID] = true
	return nil
}

type fakeInteractions struct {
	recorded map[string]InteractionKind
	removed  map[string]bool
	shared   map[string]bool
	unshared map[string]bool
}

func newFakeInteractions() *fakeInteractions {
	return &fakeInteractions{recorded: map[string]InteractionKind{}, removed: map[string]bool{}, shared: map[string]bool{}, unshared: map[string]bool{}}
}

func (f *fakeInteractions) Record(ctx context.Context, kind InteractionKind, activityID, messageActivityID, actorID, emoji string) error {
	f.recorded[messageActivityID+"|"+actorID] = kind
	return nil
}

func (f *fakeInteractions) Remove(ctx context.Context, kind InteractionKind, messageActivityID, actorID string) error {
	f.removed[messageActivityID+"|"+actorID] = true
	return nil
}

func (f *fakeInteractions) RecordShare(ctx context.Context, activityID, messageActivityID, actorID string) error {
	f.shared[messageActivityID+"|"+actorID] = true
	return nil
}

func (f *fakeInteractions) RemoveShare(ctx context.Context, messageActivityID, actorID string) error {
	f.unshared[messageActivityID+"|"+actorID] = true
	return nil
}

type fakeFollows struct {
	pending map[string][2]string
	active  map[string]bool
	deleted map[string]bool
}

func newFakeFollows() *fakeFollows {
	return &fakeFollows{pending: map[string][2]string{}, active: map[string]bool{}, deleted: map[string]bool{}}
}

func (f *fakeFollows) CreatePending(ctx context.Context, followActivityID, followerActorID, followedID string, local bool) error {
	f.pending[followActivityID] = [2]string{followerActorID, followedID}
	return nil
}

func (f *fakeFollows) Activate(ctx context.Context, followActivityID string) error {
	f.active[followActivityID] = true
	return nil
}

func (f *fakeFollows) FindByActivityID(ctx context.Context, followActivityID string) (string, string, error) {
	p := f.pending[followActivityID]
	return p[0], p[1], nil
}

func (f *fakeFollows) FindByParticipants(ctx context.Context, followerActorID, followedID string) (string, error) {
	for id, p := range f.pending {
		if p[0] == followerActorID && p[1] == followedID {
			return id, nil
		}
	}
	return "", assert.AnError
}

func (f *fakeFollows) Delete(ctx context.Context, followActivityID string) error {
	f.deleted[followActivityID] = true
	delete(f.pending, followActivityID)
	return nil
}

func (f *fakeFollows) ListActiveFollowers(ctx context.Context, followedID string) ([]string, error) {
	var followers []string
	for id, active := range f.active {
		if !active {
			continue
		}
		if p, ok := f.pending[id]; ok && p[1] == followedID {
			followers = append(followers, p[0])
		}
	}
	return followers, nil
}

type fakeBlocks struct {
	blocked map[string]bool
}

func (f *fakeBlocks) Block(ctx context.Context, blockerActorID, blockedActorID string) error {
	if f.blocked == nil {
		f.blocked = map[string]bool{}
	}
	f.blocked[blockerActorID+"|"+blockedActorID] = true
	return nil
}

func (f *fakeBlocks) Unblock(ctx context.Context, blockerActorID, blockedActorID string) error {
	delete(f.blocked, blockerActorID+"|"+blockedActorID)
	return nil
}

type fakeReports struct {
	reports []string
}

func (f *fakeReports) CreateReport(ctx context.Context, reporterActorID string, targetURIs []string, content string) error {
	f.reports = append(f.reports, reporterActorID)
	return nil
}

type fakeLocal struct {
	local    map[string]bool
	approves map[string]bool
}

func (f *fakeLocal) IsLocal(ctx context.Context, actorID string) (bool, error) {
	return f.local[actorID], nil
}

func (f *fakeLocal) ManuallyApprovesFollowers(ctx context.Context, actorID string) (bool, error) {
	return f.approves[actorID], nil
}

func (f *fakeLocal) ActorByID(ctx context.Context, actorID string) (*ap.Actor, error) {
	return nil, ErrActorNotFound
}

func (f *fakeLocal) ActorByUsername(ctx context.Context, username string) (*ap.Actor, error) {
	return nil, ErrActorNotFound
}

type fakePublisher struct {
	published []*ap.Activity
}

func (f *fakePublisher) Publish(ctx context.Context, actorID string, activity *ap.Activity) error {
	f.published = append(f.published, activity)
	return nil
}

func newDispatcher() (*Dispatcher, *fakeMessages, *fakeInteractions, *fakeFollows, *fakeBlocks, *fakeReports, *fakeLocal, *fakePublisher) {
	msgs := newFakeMessages()
	inter := newFakeInteractions()
	follows := newFakeFollows()
	blocks := &fakeBlocks{}
	reports := &fakeReports{}
	local := &fakeLocal{local: map[string]bool{}, approves: map[string]bool{}}
	pub := &fakePublisher{}

	d := &Dispatcher{
		Domain:       "local.example",
		Messages:     msgs,
		Interactions: inter,
		Follows:      follows,
		Blocks:       blocks,
		Reports:      reports,
		Local:        local,
		Publisher:    pub,
		NewID:        func(prefix string) string { return "https://local.example/" + prefix + "/1" },
	}
	return d, msgs, inter, follows, blocks, reports, local, pub
}

func TestDispatcher_HandleCreate(t *testing.T) {
	d, msgs, _, _, _, _, _, _ := newDispatcher()

	activity := &ap.Activity{
		ID:    "https://remote.example/create/1",
		Type:  ap.Create,
		Actor: "https://remote.example/users/alice",
		Object: &ap.Object{
			ID:      "https://remote.example/notes/1",
			Type:    ap.Note,
			Content: "hello",
			To:      publicAudience(),
		},
	}

	assert.NoError(t, d.Handle(context.Background(), activity))
	assert.Contains(t, msgs.created, "https://remote.example/notes/1")
	assert.Equal(t, VisibilityPublic, msgs.created["https://remote.example/notes/1"].Visibility)
}

func TestDispatcher_HandleFollow_AutoAccepts(t *testing.T) {
	d, _, _, follows, _, _, local, pub := newDispatcher()
	local.local["https://local.example/users/bob"] = true

	activity := &ap.Activity{
		ID:     "https://remote.example/follow/1",
		Type:   ap.Follow,
		Actor:  "https://remote.example/users/alice",
		Object: "https://local.example/users/bob",
	}

	assert.NoError(t, d.Handle(context.Background(), activity))
	assert.True(t, follows.active[activity.ID])
	assert.Len(t, pub.published, 1)
	assert.Equal(t, ap.Accept, pub.published[0].Type)
}

func TestDispatcher_HandleFollow_ManualApproval(t *testing.T) {
	d, _, _, follows, _, _, local, pub := newDispatcher()
	local.local["https://local.example/users/bob"] = true
	local.approves["https://local.example/users/bob"] = true

	activity := &ap.Activity{
		ID:     "https://remote.example/follow/1",
		Type:   ap.Follow,
		Actor:  "https://remote.example/users/alice",
		Object: "https://local.example/users/bob",
	}

	assert.NoError(t, d.Handle(context.Background(), activity))
	assert.False(t, follows.active[activity.ID])
	assert.Empty(t, pub.published)
}

func TestDispatcher_HandleUndoFollow(t *testing.T) {
	d, _, _, follows, _, _, _, _ := newDispatcher()
	follows.pending["https://remote.example/follow/1"] = [2]string{"https://remote.example/users/alice", "https://local.example/users/bob"}

	undo := &ap.Activity{
		ID:    "https://remote.example/undo/1",
		Type:  ap.Undo,
		Actor: "https://remote.example/users/alice",
		Object: &ap.Activity{
			ID:     "https://remote.example/follow/1",
			Type:   ap.Follow,
			Actor:  "https://remote.example/users/alice",
			Object: "https://local.example/users/bob",
		},
	}

	assert.NoError(t, d.Handle(context.Background(), undo))
	assert.True(t, follows.deleted["https://remote.example/follow/1"])
}

func TestDispatcher_HandleLikeAndUndo(t *testing.T) {
	d, _, inter, _, _, _, _, _ := newDispatcher()

	like := &ap.Activity{
		ID:     "https://remote.example/like/1",
		Type:   ap.Like,
		Actor:  "https://remote.example/users/alice",
		Object: "https://local.example/notes/1",
	}
	assert.NoError(t, d.Handle(context.Background(), like))
	assert.Equal(t, InteractionLike, inter.recorded["https://local.example/notes/1|https://remote.example/users/alice"])

	undo := &ap.Activity{
		ID:     "https://remote.example/undo/1",
		Type:   ap.Undo,
		Actor:  "https://remote.example/users/alice",
		Object: like,
	}
	assert.NoError(t, d.Handle(context.Background(), undo))
	assert.True(t, inter.removed["https://local.example/notes/1|https://remote.example/users/alice"])
}

func TestDispatcher_HandleBlock(t *testing.T) {
	d, _, _, _, blocks, _, _, _ := newDispatcher()

	block := &ap.Activity{
		ID:     "https://remote.example/block/1",
		Type:   ap.Block,
		Actor:  "https://remote.example/users/alice",
		Object: "https://local.example/users/bob",
	}
	assert.NoError(t, d.Handle(context.Background(), block))
	assert.True(t, blocks.blocked["https://remote.example/users/alice|https://local.example/users/bob"])
}

func TestDispatcher_HandleFlag(t *testing.T) {
	d, _, _, _, _, reports, _, _ := newDispatcher()

	flag := &ap.Activity{
		ID:      "https://remote.example/flag/1",
		Type:    ap.Flag,
		Actor:   "https://remote.example/users/alice",
		Object:  []string{"https://local.example/notes/1"},
		Content: "spam",
	}
	assert.NoError(t, d.Handle(context.Background(), flag))
	assert.Len(t, reports.reports, 1)
}

func TestDispatcher_IgnoresMove(t *testing.T) {
	d, _, _, _, _, _, _, _ := newDispatcher()
	err := d.Handle(context.Background(), &ap.Activity{Type: ap.Move, Actor: "https://remote.example/users/alice"})
	assert.NoError(t, err)
}

func publicAudience() ap.Audience {
	var a ap.Audience
	a.Add(ap.Public)
	return a
}
