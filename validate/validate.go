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

// Package validate checks the structural shape of an incoming activity and
// that its actor belongs to the domain it claims to speak for.
package validate

import (
	"errors"
	"fmt"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/data"
)

var (
	ErrValidationFailed = errors.New("validation failed")
)

// requireObjectTypes is the set of activity types rule 3 requires to carry
// a non-nil object, generalized to a map or a nested activity: Create,
// Update, Delete, Like, Dislike, EmojiReact, Announce, Undo, Follow,
// Accept, Reject.
var requireObjectTypes = map[ap.ActivityType]struct{}{
	ap.Create:     {},
	ap.Update:     {},
	ap.Delete:     {},
	ap.Like:       {},
	ap.Dislike:    {},
	ap.EmojiReact: {},
	ap.Announce:   {},
	ap.Undo:       {},
	ap.Follow:     {},
	ap.Accept:     {},
	ap.Reject:     {},
}

// mapOnlyTypes additionally restricts requireObjectTypes to the map-or-URI
// shape: no embedded nested activity, e.g. an Accept carrying the Follow
// it's responding to.
var mapOnlyTypes = map[ap.ActivityType]struct{}{
	ap.Create: {},
	ap.Update: {},
	ap.Delete: {},
}

// Object checks the structural rules that every incoming activity must
// satisfy regardless of type.
func Object(activity *ap.Activity) error {
	if !ap.IsKnownActivityType(activity.Type) {
		return fmt.Errorf("%w: unknown activity type %s", ErrValidationFailed, activity.Type)
	}

	// Delete may omit id; every other type requires one.
	if activity.Type != ap.Delete || activity.ID != "" {
		if !data.IsIDValid(activity.ID) {
			return fmt.Errorf("%w: invalid activity ID", ErrValidationFailed)
		}
	}

	if !data.IsIDValid(activity.Actor) {
		return fmt.Errorf("%w: invalid actor ID", ErrValidationFailed)
	}

	return objectShape(activity)
}

func objectShape(activity *ap.Activity) error {
	switch activity.Type {
	case ap.Block:
		v, ok := activity.Object.(string)
		if !ok || v == "" {
			return fmt.Errorf("%w: Block requires a URI object", ErrValidationFailed)
		}
		return validateStringObject(v)

	case ap.Flag:
		switch v := activity.Object.(type) {
		case string:
			if v == "" {
				return fmt.Errorf("%w: Flag requires a list or URI object", ErrValidationFailed)
			}
			return validateStringObject(v)
		case []string:
			if len(v) == 0 {
				return fmt.Errorf("%w: Flag requires a list or URI object", ErrValidationFailed)
			}
			for _, id := range v {
				if !data.IsIDValid(id) {
					return fmt.Errorf("%w: invalid object ID in list", ErrValidationFailed)
				}
			}
			return nil
		default:
			return fmt.Errorf("%w: Flag requires a list or URI object", ErrValidationFailed)
		}
	}

	_, required := requireObjectTypes[activity.Type]
	_, mapOnly := mapOnlyTypes[activity.Type]

	switch v := activity.Object.(type) {
	case *ap.Object:
		return validateObjectObject(v)

	case *ap.Activity:
		if mapOnly {
			return fmt.Errorf("%w: %s requires a map or URI object", ErrValidationFailed, activity.Type)
		}
		if !ap.IsKnownActivityType(v.Type) {
			return fmt.Errorf("%w: unknown nested activity type %s", ErrValidationFailed, v.Type)
		}
		return nil

	case string:
		if v == "" && required {
			return fmt.Errorf("%w: missing object", ErrValidationFailed)
		}
		return validateStringObject(v)

	case []string:
		return fmt.Errorf("%w: list object is only valid for Flag", ErrValidationFailed)

	case nil:
		if required {
			return fmt.Errorf("%w: missing object", ErrValidationFailed)
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported object shape %T", ErrValidationFailed, v)
	}
}

func validateObjectObject(v *ap.Object) error {
	if !data.IsIDValid(v.ID) {
		return fmt.Errorf("%w: invalid object ID", ErrValidationFailed)
	}
	if ap.IsContentObjectType(v.Type) && !v.HasEmbeddedContent() {
		return fmt.Errorf("%w: %s has no content, summary, name or attachment", ErrValidationFailed, v.Type)
	}
	return nil
}

func validateStringObject(v string) error {
	if v != "" && !data.IsIDValid(v) {
		return fmt.Errorf("%w: invalid object ID", ErrValidationFailed)
	}
	return nil
}

// ActorDomain checks that activity was actually sent by origin: its actor
// and (where applicable) its object and target must belong to origin, so a
// remote server can't forge activities attributed to other domains.
func ActorDomain(localDomain, origin string, activity *ap.Activity) error {
	if err := ap.ValidateOrigin(localDomain, activity, origin); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}
