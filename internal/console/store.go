package console

import (
	"context"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Store holds one console Session per session key. Entries outlive any
// individual Console bound to them, so a transcript survives when its
// consumer goes away and comes back. All mutations are synchronous whole
// entry updates under a single lock.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string]map[uint64]chan Session
	nextSub  uint64
	closed   bool
	log      logr.Logger
}

// NewStore creates an empty store.
func NewStore(log logr.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[uint64]chan Session),
		log:      log.WithName("store"),
	}
}

// entry returns the session for key, creating it on first access.
// Callers must hold s.mu.
func (s *Store) entry(key string) *Session {
	sess, ok := s.sessions[key]
	if !ok {
		fresh := newSession()
		sess = &fresh
		s.sessions[key] = sess
		sessionsGauge.Set(float64(len(s.sessions)))
	}
	return sess
}

// Get returns a copy of the session for key, creating a default one on
// first read.
func (s *Store) Get(key string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry(key).clone()
}

// Update applies fn to the session for key and publishes the result.
func (s *Store) Update(key string, fn func(Session) Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.entry(key)
	*sess = fn(sess.clone())
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	s.publishLocked(key, sess)
}

// AddMessage appends msg to the transcript.
func (s *Store) AddMessage(key string, msg Message) {
	s.Update(key, func(sess Session) Session {
		sess.Messages = append(sess.Messages, msg)
		return sess
	})
}

// UpdateLastMessage replaces the final message with fn applied to it. It is
// a no-op when the transcript is empty.
func (s *Store) UpdateLastMessage(key string, fn func(Message) Message) {
	s.Update(key, func(sess Session) Session {
		if n := len(sess.Messages); n > 0 {
			sess.Messages[n-1] = fn(sess.Messages[n-1])
		}
		return sess
	})
}

// SetStatus records the connection status and its error message.
func (s *Store) SetStatus(key string, status Status, errMsg string) {
	s.Update(key, func(sess Session) Session {
		sess.Status = status
		sess.Error = errMsg
		return sess
	})
}

// SetSessionID records the transport-assigned session id.
func (s *Store) SetSessionID(key, id string) {
	s.Update(key, func(sess Session) Session {
		sess.SessionID = &id
		return sess
	})
}

// ClearMessages empties the transcript for key.
func (s *Store) ClearMessages(key string) {
	s.Update(key, func(sess Session) Session {
		sess.Messages = []Message{}
		return sess
	})
}

// Reset drops the session for key entirely. The next access recreates it
// with defaults; subscribers receive the default state.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	sessionsGauge.Set(float64(len(s.sessions)))
	fresh := newSession()
	s.publishLocked(key, &fresh)
}

// Keys lists the session keys currently held, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe returns a channel that receives a snapshot of the session for
// key after every mutation. The channel holds only the latest snapshot: a
// slow reader skips intermediate states but always sees the newest one.
// The channel is closed when ctx is done or the store is closed.
func (s *Store) Subscribe(ctx context.Context, key string) <-chan Session {
	ch := make(chan Session, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.nextSub++
	id := s.nextSub
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]chan Session)
	}
	s.subs[key][id] = ch
	ch <- s.entry(key).clone()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(key, id)
	}()

	return ch
}

func (s *Store) unsubscribe(key string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subs[key]
	if !ok {
		return
	}
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(s.subs, key)
	}
}

// publishLocked delivers a snapshot to every subscriber of key, replacing
// any snapshot they have not read yet. Callers must hold s.mu.
func (s *Store) publishLocked(key string, sess *Session) {
	subs := s.subs[key]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		ch <- sess.clone()
	}
}

// Close releases all subscribers. Session data is discarded.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, key)
	}
	s.sessions = make(map[string]*Session)
	sessionsGauge.Set(0)
	s.log.V(1).Info("Session store closed")
}
