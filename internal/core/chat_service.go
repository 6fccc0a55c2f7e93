package core

import (
	"context"
	"errors"
	"fmt"

	"jugarenchile.com/tawk-relay/internal/store"
	"jugarenchile.com/tawk-relay/internal/tawk"
)

// ErrNoDatabase is returned when the relay runs without persistence.
var ErrNoDatabase = errors.New("database not available")

// ConversationStore is the persistence the chat service needs.
type ConversationStore interface {
	UpsertConversation(ctx context.Context, conv *store.Conversation) error
	CreateMessage(ctx context.Context, msg *store.Message) error
	GetLastNMessages(ctx context.Context, conversationID string, n int) ([]store.Message, error)
}

// ChatService records conversations and rebuilds their recent history.
type ChatService struct {
	db           ConversationStore // nil when the database is down at startup
	historyTurns int
}

func NewChatService(db ConversationStore, historyTurns int) *ChatService {
	return &ChatService{db: db, historyTurns: historyTurns}
}

func (s *ChatService) Available() bool { return s.db != nil }

// RecordInbound stores the conversation and the visitor's message.
func (s *ChatService) RecordInbound(ctx context.Context, msg tawk.InboundMessage) error {
	if s.db == nil {
		return ErrNoDatabase
	}
	if err := s.db.UpsertConversation(ctx, &store.Conversation{
		ID:           msg.ConversationID,
		VisitorID:    msg.VisitorID,
		VisitorName:  msg.VisitorName,
		VisitorEmail: msg.VisitorEmail,
		PropertyID:   msg.PropertyID,
	}); err != nil {
		return err
	}
	if err := s.db.CreateMessage(ctx, &store.Message{
		ConversationID: msg.ConversationID,
		Role:           store.RoleVisitor,
		Content:        msg.Text,
		CreatedAt:      msg.ReceivedAt,
	}); err != nil {
		return fmt.Errorf("failed to store visitor message: %w", err)
	}
	return nil
}

// RecordReply stores the assistant's answer.
func (s *ChatService) RecordReply(ctx context.Context, conversationID, text string, tokens int, fromCache, safety bool) error {
	if s.db == nil {
		return ErrNoDatabase
	}
	return s.db.CreateMessage(ctx, &store.Message{
		ConversationID:  conversationID,
		Role:            store.RoleAssistant,
		Content:         text,
		TokensUsed:      tokens,
		FromCache:       fromCache,
		SafetyTriggered: safety,
	})
}

// History returns the most recent turns before the current message, oldest
// first. The current visitor message must not be recorded yet.
func (s *ChatService) History(ctx context.Context, conversationID string) ([]Turn, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	if s.historyTurns <= 0 || conversationID == "" {
		return nil, nil
	}
	msgs, err := s.db.GetLastNMessages(ctx, conversationID, s.historyTurns)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role := RoleUser
		if m.Role == store.RoleAssistant {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Content: m.Content})
	}
	return turns, nil
}
