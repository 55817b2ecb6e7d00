// Package session tracks the multi-step format selection each user goes
// through before a job is submitted.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
)

type Stage string

const (
	StageAwaitingContentType Stage = "awaiting_content_type"
	StageAwaitingFormat      Stage = "awaiting_format"
	StageReady               Stage = "ready"
)

// Session is one user's in-progress selection. Values returned by the Store
// are copies.
type Session struct {
	UserID      string
	URL         string
	Token       string
	Stage       Stage
	ContentType media.ContentType
	Format      *media.FormatSpec
	Formats     *media.FormatList
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Input drives a stage transition.
type Input interface {
	name() string
}

type ChooseContentType struct{ Type media.ContentType }

type ChooseFormat struct{ Spec media.FormatSpec }

// Back returns from format selection to content type selection.
type Back struct{}

func (ChooseContentType) name() string { return "content type choice" }
func (ChooseFormat) name() string      { return "format choice" }
func (Back) name() string              { return "back" }

// Submission is what Finalize hands to the orchestrator.
type Submission struct {
	URL     string
	Spec    media.FormatSpec
	Formats *media.FormatList
}

// Store holds at most one session per user.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	clock    func() time.Time
	// tokenKey keys session tokens so they cannot be guessed from the URL
	tokenKey []byte
}

func NewStore(timeout time.Duration) *Store {
	key := make([]byte, 32)
	rand.Read(key)
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		clock:    time.Now,
		tokenKey: key,
	}
}

// Timeout returns how long a session lives after Begin.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Begin starts a fresh session, replacing any previous one for the user.
func (s *Store) Begin(userID, url string, formats *media.FormatList, now time.Time) Session {
	sess := &Session{
		UserID:    userID,
		URL:       url,
		Token:     s.newToken(userID, url, now),
		Stage:     StageAwaitingContentType,
		Formats:   formats,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()

	return *sess
}

// newToken ties callback buttons to one specific session so buttons left
// over from a superseded session are rejected.
func (s *Store) newToken(userID, url string, now time.Time) string {
	h, _ := blake2b.New(5, s.tokenKey)
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(now.UnixNano())))
	return hex.EncodeToString(h.Sum(nil))
}

// Advance applies in to the user's session. The session is left unchanged
// when the input is rejected.
func (s *Store) Advance(userID, token string, in Input) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, apperrors.SessionNotFound()
	}
	if token != sess.Token {
		return Session{}, apperrors.MalformedCallback(token)
	}

	next := *sess
	switch in := in.(type) {
	case ChooseContentType:
		if sess.Stage != StageAwaitingContentType {
			return Session{}, apperrors.InvalidState(string(sess.Stage), in.name())
		}
		if _, err := media.ParseContentType(string(in.Type)); err != nil {
			return Session{}, apperrors.InvalidInput(err.Error())
		}
		if sess.Formats != nil && !sess.Formats.Offers(in.Type) {
			return Session{}, apperrors.InvalidInput(fmt.Sprintf("%s is not available for this link", in.Type))
		}
		next.ContentType = in.Type
		next.Stage = StageAwaitingFormat

	case ChooseFormat:
		if sess.Stage != StageAwaitingFormat {
			return Session{}, apperrors.InvalidState(string(sess.Stage), in.name())
		}
		if in.Spec.Kind != sess.ContentType {
			return Session{}, apperrors.InvalidState(string(sess.Stage), in.name())
		}
		if err := in.Spec.Validate(); err != nil {
			return Session{}, apperrors.InvalidInput(err.Error())
		}
		if sess.Formats != nil && !sess.Formats.Supports(in.Spec) {
			return Session{}, apperrors.InvalidInput(fmt.Sprintf("%s is not available for this link", in.Spec))
		}
		spec := in.Spec
		next.Format = &spec
		next.Stage = StageReady

	case Back:
		if sess.Stage != StageAwaitingFormat {
			return Session{}, apperrors.InvalidState(string(sess.Stage), in.name())
		}
		next.ContentType = ""
		next.Stage = StageAwaitingContentType

	default:
		return Session{}, apperrors.InvalidInput("unknown session input")
	}

	next.UpdatedAt = s.clock()
	s.sessions[userID] = &next
	return next, nil
}

// Finalize consumes a Ready session.
func (s *Store) Finalize(userID string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return Submission{}, apperrors.SessionNotFound()
	}
	if sess.Stage != StageReady || sess.Format == nil {
		return Submission{}, apperrors.SessionNotReady(string(sess.Stage))
	}

	delete(s.sessions, userID)
	return Submission{URL: sess.URL, Spec: *sess.Format, Formats: sess.Formats}, nil
}

// Cancel drops the user's session and reports whether one existed.
func (s *Store) Cancel(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[userID]; !ok {
		return false
	}
	delete(s.sessions, userID)
	return true
}

func (s *Store) Get(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Expire removes sessions that have not moved for at least one timeout and
// returns them. Every accepted step restarts the clock.
func (s *Store) Expire(now time.Time) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Session
	for id, sess := range s.sessions {
		if now.Sub(sess.UpdatedAt) >= s.timeout {
			expired = append(expired, *sess)
			delete(s.sessions, id)
		}
	}
	return expired
}
