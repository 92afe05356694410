package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medconnect/medconnect/internal/chat"
)

func TestReceipts_MarkReadZeroesAndRelays(t *testing.T) {
	h := newHarness(t)
	doc, pat := chat.NewID(), chat.NewID()
	c1 := h.newChat(doc, pat)
	require.NoError(t, h.svc.SendMessage(context.Background(), c1.ID, &chat.Message{Sender: doc, Content: "hi"}))

	doctor := h.online("c-a", doc, chat.RoleDoctor)
	patient := h.online("c-b", pat, chat.RolePatient)
	h.send(doctor, EventJoinChat, c1.ID)
	h.send(patient, EventJoinChat, c1.ID)
	drainAll(doctor, patient)

	h.send(patient, EventMessageRead, MessageReadPayload{ChatID: c1.ID, UserID: pat})

	got := only(drain(doctor), EventMessagesMarkedRead)
	require.Len(t, got, 1)
	var body MessagesMarkedRead
	decodeData(t, got[0], &body)
	assert.Equal(t, MessagesMarkedRead{ChatID: c1.ID, UserID: pat}, body)
	assert.Empty(t, drain(patient))

	assert.Eventually(t, func() bool {
		n, err := h.svc.UnreadCount(context.Background(), c1.ID, pat)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReceipts_IgnoresMockAndMalformedIDs(t *testing.T) {
	h := newHarness(t)
	doc, pat := chat.NewID(), chat.NewID()
	c1 := h.newChat(doc, pat)
	require.NoError(t, h.svc.SendMessage(context.Background(), c1.ID, &chat.Message{Sender: doc, Content: "hi"}))

	doctor := h.online("c-a", doc, chat.RoleDoctor)
	patient := h.online("c-b", pat, chat.RolePatient)
	h.send(doctor, EventJoinChat, "mock-chat-1")
	h.send(doctor, EventJoinChat, c1.ID)
	drainAll(doctor, patient)

	h.send(patient, EventMessageRead, MessageReadPayload{ChatID: "mock-chat-1", UserID: pat})
	h.send(patient, EventMessageRead, MessageReadPayload{ChatID: "not-hex-at-all-0000000000", UserID: pat})
	h.send(patient, EventMessageRead, MessageReadPayload{ChatID: c1.ID, UserID: "mock-user"})
	h.send(patient, EventMessageRead, MessageReadPayload{ChatID: c1.ID})

	assert.Empty(t, drain(doctor))

	// give a stray zero the chance to land before checking it never did
	time.Sleep(20 * time.Millisecond)
	n, err := h.svc.UnreadCount(context.Background(), c1.ID, pat)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
