package conference

import (
	"context"

	"github.com/zsiec/sofa/internal/failure"
)

// Message broadcasts a chat message from the caller.
func (s *Service) Message(_ context.Context, sessionID string, req *ChatMessageRequest) error {
	sess, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	s.bc.Broadcast(rm.ID(), "", "chat/message", ChatMessage{
		Type:     "message",
		Text:     req.Text,
		Username: sess.Username,
		SocketID: sessionID,
	})
	return nil
}

// Rename changes the caller's display name.
func (s *Service) Rename(_ context.Context, sessionID string, req *ChatUsernameRequest) error {
	_, rm, err := s.member(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	p, ok := rm.Participant(sessionID)
	if !ok {
		return failure.NotFound("participant is not in room %s", rm.ID())
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var old string
	if ok {
		old = sess.Username
		sess.Username = req.Username
	}
	s.mu.Unlock()
	if !ok {
		return failure.Unauthorized("No socket found by Socket ID: %s", sessionID)
	}

	p.Username = req.Username
	s.action(rm.ID(), old+" changed their name to "+req.Username)
	s.users(rm)
	return nil
}
