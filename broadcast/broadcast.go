// broadcast/broadcast.go
package broadcast

import (
	"encoding/json"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/session"
)

type Broadcaster interface {
	BroadcastToAll(msgID uint16, data []byte) error
	BroadcastToParticipants(participantIDs []string, msgID uint16, data []byte) error
}

// SessionBroadcaster sends to connected sessions. A failed send is logged
// and skipped; the reader loop notices the broken connection.
type SessionBroadcaster struct {
	sessionManager *session.Manager
	onSendError    func()
}

func NewSessionBroadcaster(sessionManager *session.Manager) *SessionBroadcaster {
	return &SessionBroadcaster{sessionManager: sessionManager}
}

// OnSendError registers a hook run for every failed send.
func (b *SessionBroadcaster) OnSendError(fn func()) {
	b.onSendError = fn
}

func (b *SessionBroadcaster) send(s *session.Session, msgID uint16, data []byte) {
	if err := s.Send(msgID, data); err != nil {
		logger.Log.Debugf("send %d to session %s: %v", msgID, s.ID, err)
		if b.onSendError != nil {
			b.onSendError()
		}
	}
}

func (b *SessionBroadcaster) BroadcastToAll(msgID uint16, data []byte) error {
	for _, s := range b.sessionManager.All() {
		b.send(s, msgID, data)
	}
	return nil
}

func (b *SessionBroadcaster) BroadcastToParticipants(participantIDs []string, msgID uint16, data []byte) error {
	for _, id := range participantIDs {
		for _, s := range b.sessionManager.GetByParticipantID(id) {
			b.send(s, msgID, data)
		}
	}
	return nil
}

// JSON encodes v once and sends it to every session.
func JSON(b Broadcaster, msgID uint16, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.BroadcastToAll(msgID, data)
}
