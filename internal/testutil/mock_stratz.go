// Package testutil provides testing utilities for the STRATZ enrichment
// pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockLeague scripts the league payload returned for one match.
type MockLeague struct {
	LeagueID   int64
	LeagueName string
	LeagueTier string
}

// MockStratz is a configurable mock STRATZ GraphQL server for testing.
// By default every match resolves successfully with no league data.
type MockStratz struct {
	server *httptest.Server

	mu            sync.Mutex
	leagues       map[string]MockLeague
	rejectTokens  map[string]bool
	failQueue     map[string][]int // match ID -> queued HTTP statuses
	malformed     map[string]bool
	graphQLErrors map[string]string

	// Tracking
	RequestCount int
	CallsByToken map[string]int
	CallsByMatch map[string]int
}

// NewMockStratz creates and starts a mock STRATZ server.
func NewMockStratz() *MockStratz {
	mock := &MockStratz{
		leagues:       make(map[string]MockLeague),
		rejectTokens:  make(map[string]bool),
		failQueue:     make(map[string][]int),
		malformed:     make(map[string]bool),
		graphQLErrors: make(map[string]string),
		CallsByToken:  make(map[string]int),
		CallsByMatch:  make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server's endpoint.
func (m *MockStratz) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockStratz) Close() {
	m.server.Close()
}

// SetLeague scripts a successful league payload for a match.
func (m *MockStratz) SetLeague(matchID string, league MockLeague) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leagues[matchID] = league
}

// RejectToken makes every request authenticated with the token fail with
// 401, simulating a revoked API key.
func (m *MockStratz) RejectToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectTokens[token] = true
}

// FailNext queues HTTP error statuses for the next requests for a match.
// Once the queue drains, requests for the match succeed again.
func (m *MockStratz) FailNext(matchID string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failQueue[matchID] = append(m.failQueue[matchID], statuses...)
}

// RespondMalformed makes requests for a match return undecodable JSON.
func (m *MockStratz) RespondMalformed(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed[matchID] = true
}

// RespondGraphQLError makes requests for a match return a GraphQL errors
// member with the given message.
func (m *MockStratz) RespondGraphQLError(matchID string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphQLErrors[matchID] = message
}

// Requests returns the total number of requests served.
func (m *MockStratz) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// RequestsForMatch returns how many requests were made for one match.
func (m *MockStratz) RequestsForMatch(matchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallsByMatch[matchID]
}

// RequestsForToken returns how many requests used the given token.
func (m *MockStratz) RequestsForToken(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallsByToken[token]
}

func (m *MockStratz) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	matchID := ""
	switch id := req.Variables["id"].(type) {
	case float64:
		matchID = fmt.Sprintf("%.0f", id)
	case string:
		matchID = id
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	m.RequestCount++
	m.CallsByToken[token]++
	m.CallsByMatch[matchID]++

	if m.rejectTokens[token] {
		m.mu.Unlock()
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if queue := m.failQueue[matchID]; len(queue) > 0 {
		status := queue[0]
		m.failQueue[matchID] = queue[1:]
		m.mu.Unlock()
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	if m.malformed[matchID] {
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"match": [broken`)
		return
	}

	if msg, ok := m.graphQLErrors[matchID]; ok {
		m.mu.Unlock()
		writeJSON(w, map[string]any{
			"errors": []map[string]any{{"message": msg}},
		})
		return
	}

	league, hasLeague := m.leagues[matchID]
	m.mu.Unlock()

	match := map[string]any{
		"id":       jsonNumber(matchID),
		"leagueId": nil,
		"league":   nil,
	}
	if hasLeague {
		match["leagueId"] = league.LeagueID
		match["league"] = map[string]any{
			"id":          league.LeagueID,
			"displayName": league.LeagueName,
			"tier":        league.LeagueTier,
		}
	}

	writeJSON(w, map[string]any{
		"data": map[string]any{"match": match},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonNumber(s string) json.Number {
	return json.Number(s)
}
