package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

var errConversationMissing = errors.New("conversation not found")

// Store keeps sessions by user id and conversations by id. Readers get copies.
type Store struct {
	mu            sync.RWMutex
	sessions      map[int64]chat.Session
	conversations map[string]*chat.Conversation
}

func NewStore() *Store {
	return &Store{
		sessions:      make(map[int64]chat.Session),
		conversations: make(map[string]*chat.Conversation),
	}
}

func (s *Store) Get(userID int64) (chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

func (s *Store) Put(sess chat.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = sess
}

// Delete removes the session and its conversation.
func (s *Store) Delete(userID int64) (chat.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return chat.Session{}, false
	}
	delete(s.sessions, userID)
	if sess.ConversationID != "" {
		delete(s.conversations, sess.ConversationID)
	}
	return sess, true
}

func (s *Store) PutConversation(conv *chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
}

func (s *Store) DropConversation(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

func (s *Store) HasConversation(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[id]
	return ok
}

// Append adds a message to a stored conversation.
func (s *Store) Append(conversationID string, role chat.Role, content string, at time.Time) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Message{}, errConversationMissing
	}
	return conv.Append(role, content, at)
}

// Messages returns up to limit trailing messages of a conversation.
func (s *Store) Messages(conversationID string, limit int) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return []chat.Message{}
	}
	return conv.Recent(limit)
}

func (s *Store) MessageCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv.Len()
	}
	return 0
}

// UserIDs lists known users in ascending order.
func (s *Store) UserIDs() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Records flattens one user's session and conversation.
func (s *Store) Records(userID int64) (chat.SessionRecord, []chat.MessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return chat.SessionRecord{}, nil, false
	}
	var msgs []chat.MessageRecord
	if conv, ok := s.conversations[sess.ConversationID]; ok {
		msgs = conv.Records()
	}
	return sess.ToRecord(), msgs, true
}

// Stats summarises the store contents.
type Stats struct {
	Sessions       int            `json:"sessions"`
	ActiveSessions int            `json:"activeSessions"`
	ReadySessions  int            `json:"readySessions"`
	Conversations  int            `json:"conversations"`
	Messages       int            `json:"messages"`
	PersonaUsage   map[string]int `json:"personaUsage"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Stats{
		Sessions:      len(s.sessions),
		Conversations: len(s.conversations),
		PersonaUsage:  make(map[string]int),
	}
	for _, sess := range s.sessions {
		if sess.Active {
			out.ActiveSessions++
		}
		if sess.Ready() {
			out.ReadySessions++
		}
		if sess.PersonaID != "" {
			out.PersonaUsage[sess.PersonaID]++
		}
	}
	for _, conv := range s.conversations {
		out.Messages += conv.Len()
	}
	return out
}
