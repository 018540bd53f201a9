// Copyright 2024 The k8s-netem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flexe

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// ProfileRecord is the REST side-channel's view of one profile: just
// enough for CRUD, independent of the TrafficProfile CRD shape.
type ProfileRecord struct {
	Name     string      `json:"name"`
	Segments []string    `json:"segments"`
	Run      RunSchedule `json:"run"`
}

// Store is an in-memory registry of ProfileRecords the REST router
// serves, guarded by a mutex since HTTP handlers run concurrently.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]ProfileRecord
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{profiles: map[string]ProfileRecord{}}
}

// Put inserts or replaces a ProfileRecord.
func (s *Store) Put(p ProfileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Name] = p
}

// Delete removes a ProfileRecord by name.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, name)
}

// List returns all ProfileRecords.
func (s *Store) List() []ProfileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProfileRecord, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Get returns one ProfileRecord by name.
func (s *Store) Get(name string) (ProfileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	return p, ok
}

// NewRouter returns the chi router serving GET/POST /flexe/profiles...
// behind HTTP basic auth, per §6.2.
func NewRouter(store *Store, username, password string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(basicAuth(username, password))

	r.Route("/flexe/profiles", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, store.List())
		})
		r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			p, ok := store.Get(name)
			if !ok {
				http.NotFound(w, req)
				return
			}
			writeJSON(w, p)
		})
		r.Post("/{name}", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			var p ProfileRecord
			if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			p.Name = name
			store.Put(p)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func basicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if username == "" && password == "" {
				next.ServeHTTP(w, r)
				return
			}

			u, p, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="flexe"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
