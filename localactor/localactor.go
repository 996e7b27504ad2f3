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

// Package localactor bootstraps and persists the RSA key pairs this
// engine's own service actors (the instance actor used to sign fetches,
// the relay actor used for relay subscriptions) sign their requests
// with. The embedding application's human-facing local users are out of
// scope; it supplies those through [handlers.LocalActors].
package localactor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dimkr/fedcore/httpsig"
)

// Store persists service-actor signing keys, generating a fresh RSA key
// pair the first time a given actor URI is bootstrapped.
type Store struct {
	DB *sql.DB
}

// Bootstrap returns actorURI's signing key, generating and storing a new
// 2048-bit RSA key pair on first use.
func (s *Store) Bootstrap(ctx context.Context, actorURI, keyID string) (httpsig.Key, error) {
	if key, err := s.load(ctx, keyID); err == nil {
		return key, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return httpsig.Key{}, err
	}

	priv, err := httpsig.GenerateKey()
	if err != nil {
		return httpsig.Key{}, fmt.Errorf("failed to generate key for %s: %w", actorURI, err)
	}

	pub, err := httpsig.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return httpsig.Key{}, fmt.Errorf("failed to marshal public key for %s: %w", actorURI, err)
	}

	if _, err := s.DB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO signing_keys(key_id, actor_uri, public_key_pem, private_key_pem, updated_at) VALUES(?, ?, ?, ?, unixepoch())`,
		keyID, actorURI, pub, httpsig.MarshalPrivateKey(priv),
	); err != nil {
		return httpsig.Key{}, fmt.Errorf("failed to store key for %s: %w", actorURI, err)
	}

	return s.load(ctx, keyID)
}

func (s *Store) load(ctx context.Context, keyID string) (httpsig.Key, error) {
	var privPem sql.NullString
	if err := s.DB.QueryRowContext(ctx, `SELECT private_key_pem FROM signing_keys WHERE key_id = ?`, keyID).Scan(&privPem); err != nil {
		return httpsig.Key{}, err
	}

	if !privPem.Valid {
		return httpsig.Key{ID: keyID}, nil
	}

	priv, err := httpsig.UnmarshalPrivateKey(privPem.String)
	if err != nil {
		return httpsig.Key{}, fmt.Errorf("failed to parse stored key %s: %w", keyID, err)
	}

	return httpsig.Key{ID: keyID, PrivateKey: priv}, nil
}

// Key resolves actorID's signing key by its conventional key ID,
// implementing dispatch.KeyProvider and fetch's signing requirement.
func (s *Store) Key(ctx context.Context, actorID string) (httpsig.Key, error) {
	return s.load(ctx, KeyID(actorID))
}

// KeyID returns the conventional public-key fragment identifier for
// actorID, as advertised in its publicKey.id property.
func KeyID(actorID string) string {
	return actorID + "#main-key"
}

// Touch sets a key's updated_at time to the current time.
func (s *Store) Touch(ctx context.Context, keyID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE signing_keys SET updated_at = unixepoch() WHERE key_id = ?`, keyID)
	return err
}
