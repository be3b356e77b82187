package pipeline

import (
	"strings"
	"sync"
)

// Session carries the credential and the rate-limit window. Build one per
// process and hand it to every Client that talks to the same account.
type Session struct {
	mu     sync.RWMutex
	token  string
	teamID string
	Window *RateLimitWindow
}

func NewSession(token, teamID string, window WindowOptions) *Session {
	return &Session{
		token:  strings.TrimSpace(token),
		teamID: strings.TrimSpace(teamID),
		Window: NewRateLimitWindow(window),
	}
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}

func (s *Session) SetTeamID(teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamID = strings.TrimSpace(teamID)
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) TeamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teamID
}
