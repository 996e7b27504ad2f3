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

// Package mrf implements the message rewrite facility: an ordered chain of
// policies that can reject or rewrite an activity before it's handed to a
// type-specific handler.
package mrf

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/instance"
)

// ErrRejected is returned by [Chain.Apply] when a policy rejected the activity.
var ErrRejected = errors.New("activity rejected by policy")

// Policy inspects or rewrites an activity. Returning a non-nil error
// short-circuits the chain: the activity is dropped. A policy may return a
// different *ap.Activity to replace the one passed to later policies.
type Policy interface {
	Name() string
	Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error)
}

// Chain runs policies in order, swallowing panics from individual policies
// so a single misbehaving policy can't take down inbound processing.
type Chain struct {
	log      *slog.Logger
	policies []Policy
}

func New(log *slog.Logger, policies ...Policy) *Chain {
	return &Chain{log: log, policies: policies}
}

// Apply runs activity through every policy in order and returns the
// (possibly rewritten) activity, or ErrRejected if any policy rejected it.
func (c *Chain) Apply(ctx context.Context, domain string, activity *ap.Activity) (result *ap.Activity, err error) {
	result = activity

	for _, p := range c.policies {
		result, err = c.applyOne(ctx, p, domain, result)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (c *Chain) applyOne(ctx context.Context, p Policy, domain string, activity *ap.Activity) (result *ap.Activity, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("MRF policy panicked", "policy", p.Name(), "panic", r)
			result, err = activity, nil
		}
	}()

	return p.Apply(ctx, domain, activity)
}

// RejectPolicy drops every activity from or to a domain marked
// [instance.FlagReject] in the registry. Delete activities pass through a
// blocked domain unless the domain also carries [instance.FlagRejectDeletes]:
// letting deletions through keeps the local copy of a blocked actor's
// content consistent with the remote side even while everything else from
// them is dropped.
type RejectPolicy struct {
	Registry *instance.Registry
}

func (RejectPolicy) Name() string { return "reject" }

func (p RejectPolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	blocked, err := p.Registry.IsBlocked(ctx, domain)
	if err != nil {
		return nil, err
	}
	if !blocked {
		return activity, nil
	}

	if activity.Type == ap.Delete {
		flags, err := p.Registry.Flags(ctx, domain)
		if err != nil {
			return nil, err
		}
		if flags&instance.FlagRejectDeletes == 0 {
			return activity, nil
		}
	}

	return nil, ErrRejected
}

// MediaRemovalPolicy strips attachments from the activity's embedded
// object when the sending domain is flagged for media removal.
type MediaRemovalPolicy struct {
	Registry *instance.Registry
}

func (MediaRemovalPolicy) Name() string { return "media-removal" }

func (p MediaRemovalPolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	flags, err := p.Registry.Flags(ctx, domain)
	if err != nil {
		return nil, err
	}
	if flags&instance.FlagMediaRemoval == 0 {
		return activity, nil
	}

	obj, ok := activity.Object.(*ap.Object)
	if !ok || len(obj.Attachment) == 0 {
		return activity, nil
	}

	rewritten := *activity
	objCopy := *obj
	objCopy.Attachment = nil
	rewritten.Object = &objCopy
	return &rewritten, nil
}

// MediaNsfwPolicy marks the activity's embedded object sensitive when the
// sending domain is flagged for NSFW media.
type MediaNsfwPolicy struct {
	Registry *instance.Registry
}

func (MediaNsfwPolicy) Name() string { return "media-nsfw" }

func (p MediaNsfwPolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	flags, err := p.Registry.Flags(ctx, domain)
	if err != nil {
		return nil, err
	}
	if flags&instance.FlagMediaNsfw == 0 {
		return activity, nil
	}

	obj, ok := activity.Object.(*ap.Object)
	if !ok || obj.Sensitive {
		return activity, nil
	}

	rewritten := *activity
	objCopy := *obj
	objCopy.Sensitive = true
	rewritten.Object = &objCopy
	return &rewritten, nil
}

// FederatedTimelineRemovalPolicy strips the Public address from an
// activity's audience when the sending domain is flagged for federated
// timeline removal, demoting it to an unlisted-style post: a to-only post
// keeps its original recipients in cc instead of losing them outright.
type FederatedTimelineRemovalPolicy struct {
	Registry *instance.Registry
}

func (FederatedTimelineRemovalPolicy) Name() string { return "federated-timeline-removal" }

func (p FederatedTimelineRemovalPolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	flags, err := p.Registry.Flags(ctx, domain)
	if err != nil {
		return nil, err
	}
	if flags&instance.FlagFederatedTimelineRemoval == 0 {
		return activity, nil
	}

	obj, ok := activity.Object.(*ap.Object)
	if !ok || !obj.IsPublic() {
		return activity, nil
	}

	toOnly := obj.To.Contains(ap.Public) && !obj.CC.Contains(ap.Public)

	var to ap.Audience
	for _, id := range obj.To.Keys() {
		if id != ap.Public {
			to.Add(id)
		}
	}

	var cc ap.Audience
	for _, id := range obj.CC.Keys() {
		if id != ap.Public {
			cc.Add(id)
		}
	}
	if toOnly {
		for _, id := range obj.To.Keys() {
			if id != ap.Public {
				cc.Add(id)
			}
		}
	}

	rewritten := *activity
	objCopy := *obj
	objCopy.To = to
	objCopy.CC = cc
	rewritten.Object = &objCopy
	return &rewritten, nil
}

// ReportRemovalPolicy rejects incoming Flag (report) activities from a
// domain flagged to have its reports ignored.
type ReportRemovalPolicy struct {
	Registry *instance.Registry
}

func (ReportRemovalPolicy) Name() string { return "report-removal" }

func (p ReportRemovalPolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	if activity.Type != ap.Flag {
		return activity, nil
	}

	flags, err := p.Registry.Flags(ctx, domain)
	if err != nil {
		return nil, err
	}
	if flags&instance.FlagReportRemoval != 0 {
		return nil, ErrRejected
	}
	return activity, nil
}

// FollowersOnlyPolicy forces an incoming Create's object to be addressed
// only to its author's followers, regardless of its original audience,
// when the sending domain is flagged followers-only.
type FollowersOnlyPolicy struct {
	Registry *instance.Registry
}

func (FollowersOnlyPolicy) Name() string { return "followers-only" }

func (p FollowersOnlyPolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	if activity.Type != ap.Create {
		return activity, nil
	}

	flags, err := p.Registry.Flags(ctx, domain)
	if err != nil {
		return nil, err
	}
	if flags&instance.FlagFollowersOnly == 0 {
		return activity, nil
	}

	obj, ok := activity.Object.(*ap.Object)
	if !ok || obj.AttributedTo == "" {
		return activity, nil
	}

	rewritten := *activity
	objCopy := *obj
	var to ap.Audience
	to.Add(objCopy.AttributedTo + "/followers")
	objCopy.To = to
	objCopy.CC = ap.Audience{}
	rewritten.Object = &objCopy
	return &rewritten, nil
}

// NormalizePolicy canonicalizes addressing so downstream handlers can rely
// on a consistent shape: an activity with no To/CC at all is treated as
// addressed only to its actor.
type NormalizePolicy struct{}

func (NormalizePolicy) Name() string { return "normalize" }

func (NormalizePolicy) Apply(ctx context.Context, domain string, activity *ap.Activity) (*ap.Activity, error) {
	if len(activity.To.OrderedMap) > 0 || len(activity.CC.OrderedMap) > 0 {
		return activity, nil
	}

	rewritten := *activity
	var to ap.Audience
	to.Add(activity.Actor)
	rewritten.To = to
	return &rewritten, nil
}
