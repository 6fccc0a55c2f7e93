package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jugarenchile.com/tawk-relay/internal/store"
	"jugarenchile.com/tawk-relay/internal/tawk"
)

func TestChatServiceHistory(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer db.Close()

	svc := NewChatService(db, 4)
	require.True(t, svc.Available())

	for _, text := range []string{"hola", "¿bonos?", "¿retiros?"} {
		msg := tawk.InboundMessage{
			Text: text, ConversationID: "chat-1", VisitorID: "v1", VisitorName: "Ana",
			ReceivedAt: time.Now().UTC(),
		}
		require.NoError(t, svc.RecordInbound(ctx, msg))
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, svc.RecordReply(ctx, "chat-1", "respuesta "+text, 10, false, false))
		time.Sleep(2 * time.Millisecond)
	}

	turns, err := svc.History(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "¿bonos?", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[3].Role)

	conv, err := db.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", conv.VisitorName)
}

func TestChatServiceWithoutDatabase(t *testing.T) {
	svc := NewChatService(nil, 4)
	assert.False(t, svc.Available())
	_, err := svc.History(context.Background(), "chat-1")
	assert.ErrorIs(t, err, ErrNoDatabase)
	assert.ErrorIs(t, svc.RecordInbound(context.Background(), tawk.InboundMessage{}), ErrNoDatabase)
}
