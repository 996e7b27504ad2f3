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

// Package httpd serves the HTTP side of federation: actor documents,
// WebFinger and NodeInfo discovery, and the inbox endpoint remote
// servers POST activities to. It verifies every inbound activity's HTTP
// Signature and stages it on an [inboxqueue.Queue], so the remote server
// gets its 202 back before the activity is actually processed.
package httpd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dimkr/fedcore/ap"
	"github.com/dimkr/fedcore/buildinfo"
	"github.com/dimkr/fedcore/cfg"
	"github.com/dimkr/fedcore/fetch"
	"github.com/dimkr/fedcore/handlers"
	"github.com/dimkr/fedcore/httpsig"
	"github.com/dimkr/fedcore/inboxqueue"
	"github.com/dimkr/fedcore/ratelimit"
	"github.com/fsnotify/fsnotify"
)

// Server serves federation HTTP endpoints for one domain.
type Server struct {
	Domain    string
	Config    *cfg.Config
	Inbox     *inboxqueue.Queue
	RateLimit *ratelimit.Limiter
	Local     handlers.LocalActors
	Fetcher   *fetch.Fetcher
	// InstanceKey signs this instance's own outgoing fetches, and is
	// also used as the resolver's identity when fetching a sender's
	// actor document to verify an inbound signature.
	InstanceKey httpsig.Key

	Addr  string
	Cert  string
	Key   string
	Plain bool
}

const certReloadDelay = time.Second * 5

// NewHandler returns the [http.Handler] for this server's routes.
func (s *Server) NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/webfinger", s.handleWebFinger)
	mux.HandleFunc("GET /.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	mux.HandleFunc("GET /nodeinfo/2.0", s.handleNodeInfo)
	mux.HandleFunc("GET /users/{username}", s.handleUser)
	mux.HandleFunc("POST /inbox/{username}", s.handleInbox)
	mux.HandleFunc("POST /inbox", s.handleSharedInbox)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("received request to unknown path", "path", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	return mux
}

// ListenAndServe serves HTTP (or HTTPS, with hot cert/key reload) until
// ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := s.NewHandler()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if !s.Plain {
		certDir := filepath.Dir(s.Cert)
		if err := w.Add(certDir); err != nil {
			return err
		}
		if keyDir := filepath.Dir(s.Key); keyDir != certDir {
			if err := w.Add(keyDir); err != nil {
				return err
			}
		}
	}

	for ctx.Err() == nil {
		var wg sync.WaitGroup
		serverCtx, stopServer := context.WithCancel(ctx)

		server := http.Server{
			Addr:    s.Addr,
			Handler: http.TimeoutHandler(mux, time.Second*30, ""),
			BaseContext: func(net.Listener) context.Context {
				return serverCtx
			},
			ReadTimeout: time.Second * 30,
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-serverCtx.Done()
			if ctx.Err() == nil {
				slog.Info("shutting down federation server")
				server.Shutdown(ctx)
			}
			server.Close()
		}()

		timer := time.NewTimer(math.MaxInt64)
		timer.Stop()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-serverCtx.Done():
					return
				case event, ok := <-w.Events:
					if !ok {
						continue
					}
					if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
						slog.Info("reloading server: certificate changed", "name", event.Name)
						timer.Reset(certReloadDelay)
					}
				case <-timer.C:
					server.Shutdown(context.Background())
					return
				case <-w.Errors:
				}
			}
		}()

		slog.Info("starting federation server", "addr", s.Addr, "plain", s.Plain)
		if s.Plain {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS(s.Cert, s.Key)
		}

		stopServer()
		wg.Wait()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return nil
}

type webFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webFingerLink `json:"links"`
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	resource = strings.TrimPrefix(resource, "acct:")

	fields := strings.SplitN(resource, "@", 2)
	username := fields[0]
	if len(fields) == 2 && fields[1] != s.Domain {
		http.Error(w, fmt.Sprintf("resource must end with @%s", s.Domain), http.StatusBadRequest)
		return
	}

	actor, err := s.Local.ActorByUsername(r.Context(), username)
	if errors.Is(err, handlers.ErrActorNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		slog.WarnContext(r.Context(), "failed to resolve webfinger resource", "resource", resource, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp := webFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", username, s.Domain),
		Links: []webFingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actor.ID},
		},
	}

	j, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json; charset=utf-8")
	w.Write(j)
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(map[string]any{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": fmt.Sprintf("https://%s/nodeinfo/2.0", s.Domain),
			},
		},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(body)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(map[string]any{
		"version": "2.0",
		"software": map[string]any{
			"name":    "fedcore",
			"version": buildinfo.Version,
		},
		"protocols":         []string{"activitypub"},
		"services":          map[string]any{"inbound": []any{}, "outbound": []any{}},
		"openRegistrations": false,
		"usage":             map[string]any{"users": map[string]any{}},
		"metadata":          map[string]any{},
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(body)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	actor, err := s.Local.ActorByUsername(r.Context(), username)
	if errors.Is(err, handlers.ErrActorNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		slog.WarnContext(r.Context(), "failed to resolve user", "username", username, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	actor.PrivateKeyPem = ""
	if actor.Context == nil {
		actor.Context = []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"}
	}

	j, err := json.Marshal(actor)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json; charset=utf-8")
	w.Write(j)
}

// handleInbox handles a per-user inbox POST; handleSharedInbox handles
// the shared one. Both verify the sender's signature before staging the
// activity: shared vs. per-user only changes the path the remote server
// chose to deliver through, not how the activity is processed.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	s.receive(w, r)
}

func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.receive(w, r)
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	if s.RateLimit != nil {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		if !s.RateLimit.Allow("ip:" + host) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.Config.MaxRequestBodySize+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.Config.MaxRequestBodySize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var activity ap.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		slog.InfoContext(r.Context(), "failed to parse inbox body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sig, err := httpsig.Extract(r, body, s.Domain, time.Now(), s.Config.MaxRequestAge)
	if err != nil {
		slog.InfoContext(r.Context(), "failed to extract signature", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if s.RateLimit != nil {
		if keyURL, err := url.Parse(sig.KeyID); err == nil && keyURL.Host != "" && !s.RateLimit.Allow("domain:"+keyURL.Host) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}

	sender, err := s.Fetcher.Resolve(r.Context(), s.InstanceKey, sig.KeyID)
	if err != nil {
		slog.InfoContext(r.Context(), "failed to resolve signer", "key_id", sig.KeyID, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	publicKey, err := parsePublicKeyPem(sender.PublicKey.PublicKeyPem)
	if err != nil {
		slog.InfoContext(r.Context(), "failed to parse signer's public key", "key_id", sig.KeyID, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := sig.Verify(publicKey); err != nil {
		slog.InfoContext(r.Context(), "signature verification failed", "key_id", sig.KeyID, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if _, err := ap.Origin(sender.ID); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch s.Inbox.Enqueue(&activity, sender.ID, "") {
	case inboxqueue.Shed:
		slog.WarnContext(r.Context(), "shed low-priority activity under overload", "id", activity.ID)
	case inboxqueue.Duplicate:
		slog.DebugContext(r.Context(), "ignored duplicate inbox delivery", "id", activity.ID)
	}

	w.WriteHeader(http.StatusAccepted)
}

func parsePublicKeyPem(s string) (any, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return key, nil
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}
