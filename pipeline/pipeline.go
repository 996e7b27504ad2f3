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

// Package pipeline wires validation, policy and storage together into
// the two paths an activity takes through this engine: inbound from a
// remote server into a handler, or outbound from a handler into
// delivery.
package pipeline

import (
	"context"
	"fmt"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/handlers"
	"github.com/dimkr/fedcore/mrf"
	"github.com/dimkr/fedcore/validate"
)

// Pipeline processes incoming activities and publishes outgoing ones.
type Pipeline struct {
	Domain     string
	MRF        *mrf.Chain
	Dispatcher *handlers.Dispatcher
	Publisher  handlers.Publisher
}

// ProcessIncoming validates activity against the structural rules every
// activity must satisfy and the claim that origin actually speaks for
// activity's actor, runs it through the policy chain, and dispatches
// whatever the chain lets through to its type handler.
func (p *Pipeline) ProcessIncoming(ctx context.Context, origin string, activity *ap.Activity) error {
	if err := validate.Object(activity); err != nil {
		return fmt.Errorf("activity %s failed validation: %w", activity.ID, err)
	}

	if err := validate.ActorDomain(p.Domain, origin, activity); err != nil {
		return fmt.Errorf("activity %s failed origin check: %w", activity.ID, err)
	}

	rewritten, err := p.MRF.Apply(ctx, origin, activity)
	if err != nil {
		return fmt.Errorf("activity %s rejected: %w", activity.ID, err)
	}

	if err := p.Dispatcher.Handle(ctx, rewritten); err != nil {
		return fmt.Errorf("failed to handle activity %s: %w", activity.ID, err)
	}

	return nil
}

// ProcessOutgoing validates a locally-built activity before handing it to
// the publisher, catching a handler bug before it reaches the network.
func (p *Pipeline) ProcessOutgoing(ctx context.Context, actorID string, activity *ap.Activity) error {
	if err := validate.Object(activity); err != nil {
		return fmt.Errorf("outgoing activity %s failed validation: %w", activity.ID, err)
	}

	if err := p.Publisher.Publish(ctx, actorID, activity); err != nil {
		return fmt.Errorf("failed to publish activity %s: %w", activity.ID, err)
	}

	return nil
}
