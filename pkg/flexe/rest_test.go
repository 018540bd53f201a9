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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTRouter_RejectsMissingAuth(t *testing.T) {
	store := NewStore()
	router := NewRouter(store, "user", "pass")

	req := httptest.NewRequest(http.MethodGet, "/flexe/profiles", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRESTRouter_CreateAndListProfile(t *testing.T) {
	store := NewStore()
	router := NewRouter(store, "user", "pass")

	body, err := json.Marshal(ProfileRecord{Segments: []string{"seg1"}, Run: RunSchedule{Start: 0, End: 10}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/flexe/profiles/p1", bytes.NewReader(body))
	req.SetBasicAuth("user", "pass")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/flexe/profiles", nil)
	listReq.SetBasicAuth("user", "pass")
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var got []ProfileRecord
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].Name)
}

func TestRESTRouter_GetUnknownProfileIs404(t *testing.T) {
	store := NewStore()
	router := NewRouter(store, "", "")

	req := httptest.NewRequest(http.MethodGet, "/flexe/profiles/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
