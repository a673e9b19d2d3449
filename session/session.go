// session/session.go
package session

import (
	"sync"
	"time"

	"github.com/wfunc/crawlparty/network"
)

// Session is one connected browser. It is anonymous until the participant
// logs in, and admin once unlocked.
type Session struct {
	ID         string
	Conn       network.Connection
	Data       map[string]interface{}
	CreatedAt  time.Time
	LastActive time.Time

	participantID string
	name          string
	admin         bool
	mutex         sync.RWMutex
}

func NewSession(id string, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		LastActive: now,
		Data:       make(map[string]interface{}),
	}
}

func (s *Session) Set(key string, value interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Data[key] = value
}

func (s *Session) Get(key string) interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.Data[key]
}

// Delete removes key and returns what it held.
func (s *Session) Delete(key string) interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v := s.Data[key]
	delete(s.Data, key)
	return v
}

func (s *Session) Login(participantID, name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.participantID = participantID
	s.name = name
}

// Logout forgets the participant. Admin unlock survives.
func (s *Session) Logout() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.participantID = ""
	s.name = ""
}

func (s *Session) ParticipantID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.participantID
}

func (s *Session) Name() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.name
}

func (s *Session) Unlock() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.admin = true
}

func (s *Session) Admin() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.admin
}

func (s *Session) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.LastActive = time.Now()
}

func (s *Session) Send(msgID uint16, data []byte) error {
	s.Touch()
	return s.Conn.Send(msgID, data)
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Manager tracks every connected session.
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) GetByParticipantID(participantID string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.ParticipantID() == participantID {
			result = append(result, session)
		}
	}
	return result
}

func (m *Manager) All() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}
