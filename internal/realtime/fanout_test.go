package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medconnect/medconnect/internal/chat"
	"github.com/medconnect/medconnect/internal/platform/websocket"
)

func messageIDs(t *testing.T, frames []websocket.Frame) []string {
	var ids []string
	for _, f := range only(frames, EventMessageReceived) {
		var m struct {
			ID string `json:"_id"`
		}
		decodeData(t, f, &m)
		ids = append(ids, m.ID)
	}
	return ids
}

// A doctor and a patient share a chat. The doctor persists a message and
// announces it: the patient gets it along with doctor-message, and only the
// patient's unread counter moves.
func TestFanout_DoctorToPatient(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b")
	doctor := h.online("c-a", "doc-a", chat.RoleDoctor)
	patient := h.online("c-b", "pat-b", chat.RolePatient)
	drainAll(doctor, patient)

	m := &chat.Message{Sender: "doc-a", Content: "hi"}
	require.NoError(t, h.svc.SendMessage(context.Background(), c1.ID, m))
	h.send(doctor, EventNewMessage, map[string]interface{}{
		"_id":     m.ID,
		"chatId":  c1.ID,
		"sender":  "doc-a",
		"content": "hi",
	})

	got := drain(patient)
	assert.Equal(t, []string{m.ID}, messageIDs(t, got))

	derived := only(got, EventDoctorMessage)
	require.Len(t, derived, 1)
	var dm DoctorMessage
	decodeData(t, derived[0], &dm)
	assert.Equal(t, "doc-a", dm.DoctorID)
	var inner map[string]string
	require.NoError(t, json.Unmarshal(dm.Message, &inner))
	assert.Equal(t, "hi", inner["content"])
	assert.Empty(t, only(got, EventPatientMessage))

	assert.Empty(t, drain(doctor), "the sender gets nothing back")

	bUnread, err := h.svc.UnreadCount(context.Background(), c1.ID, "pat-b")
	require.NoError(t, err)
	aUnread, err := h.svc.UnreadCount(context.Background(), c1.ID, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 1, bUnread)
	assert.Equal(t, 0, aUnread)
}

func TestFanout_PatientToDoctor(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b")
	doctor := h.online("c-a", "doc-a", chat.RoleDoctor)
	patient := h.online("c-b", "pat-b", chat.RolePatient)
	drainAll(doctor, patient)

	h.send(patient, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "sender": "pat-b", "content": "thanks"})

	got := drain(doctor)
	assert.Len(t, only(got, EventMessageReceived), 1)
	derived := only(got, EventPatientMessage)
	require.Len(t, derived, 1)
	var pm PatientMessage
	decodeData(t, derived[0], &pm)
	assert.Equal(t, "pat-b", pm.PatientID)
	assert.Empty(t, only(got, EventDoctorMessage))
}

func TestFanout_DualEmissionIsBounded(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b")
	doctor := h.online("c-a", "doc-a", chat.RoleDoctor)
	patient := h.online("c-b", "pat-b", chat.RolePatient)
	h.send(doctor, EventJoinChat, c1.ID)
	h.send(patient, EventJoinChat, c1.ID)
	drainAll(doctor, patient)

	h.send(doctor, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "sender": "doc-a", "content": "hi"})

	ids := messageIDs(t, drain(patient))
	assert.NotEmpty(t, ids)
	assert.LessOrEqual(t, len(ids), 2)
	for _, id := range ids {
		assert.Equal(t, "m-1", id, "copies share the message id")
	}
	assert.Empty(t, drain(doctor))
}

func TestFanout_StopTypingPrecedesMessage(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b")
	doctor := h.online("c-a", "doc-a", chat.RoleDoctor)
	patient := h.online("c-b", "pat-b", chat.RolePatient)
	h.send(doctor, EventJoinChat, c1.ID)
	h.send(patient, EventJoinChat, c1.ID)
	h.send(doctor, EventTyping, TypingPayload{ChatID: c1.ID, UserID: "doc-a"})
	drainAll(doctor, patient)

	h.send(doctor, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "sender": "doc-a", "content": "hi"})

	names := eventNames(drain(patient))
	require.NotEmpty(t, names)
	assert.Equal(t, EventStopTyping, names[0])
	assert.Contains(t, names, EventMessageReceived)
	assert.False(t, h.c.Typing.Active(c1.ID, "doc-a"))

	// no indicator, no stop-typing
	h.send(doctor, EventNewMessage, map[string]interface{}{"_id": "m-2", "chatId": c1.ID, "sender": "doc-a", "content": "again"})
	assert.NotContains(t, eventNames(drain(patient)), EventStopTyping)
}

func TestFanout_EmbeddedParticipantsSkipStore(t *testing.T) {
	h := newHarness(t)
	doctor := h.online("c-a", "doc-a", "")
	patient := h.online("c-b", "pat-b", "")
	drainAll(doctor, patient)

	// the chat is unknown to the store; the payload carries everything
	h.sendRaw(doctor, EventNewMessage, `{
		"_id": "m-1",
		"sender": {"_id": "doc-a", "role": "doctor", "name": "Dr. Grey"},
		"content": "results are in",
		"chat": {"_id": "64b7f0c2a1b2c3d4e5f60718", "participants": [
			{"_id": "doc-a", "role": "doctor"},
			{"_id": "pat-b", "role": "patient"}
		]}
	}`)

	got := drain(patient)
	assert.Len(t, only(got, EventMessageReceived), 1)
	assert.Len(t, only(got, EventDoctorMessage), 1)
}

func TestFanout_RolesFromDirectory(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b")
	h.store.SetUserRole("doc-a", chat.RoleDoctor)
	h.store.SetUserRole("pat-b", chat.RolePatient)
	sender := h.online("c-a", "doc-a", "")
	patient := h.online("c-b", "pat-b", "")
	drainAll(sender, patient)

	h.send(sender, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "sender": "doc-a", "content": "hi"})

	assert.Len(t, only(drain(patient), EventDoctorMessage), 1)
}

func TestFanout_UnknownRolesSuppressDerivedEvents(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("staff-a", "pat-b")
	sender := h.online("c-a", "staff-a", "")
	patient := h.online("c-b", "pat-b", chat.RolePatient)
	drainAll(sender, patient)

	h.send(sender, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "sender": "staff-a", "content": "hi"})

	got := drain(patient)
	assert.Len(t, only(got, EventMessageReceived), 1)
	assert.Empty(t, only(got, EventDoctorMessage))
	assert.Empty(t, only(got, EventPatientMessage))
}

func TestFanout_GroupChatReachesEveryoneButSender(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b", "pat-c")
	a := h.online("c-a", "doc-a", chat.RoleDoctor)
	b := h.online("c-b", "pat-b", chat.RolePatient)
	c := h.online("c-c", "pat-c", chat.RolePatient)
	drainAll(a, b, c)

	h.send(a, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "sender": "doc-a", "content": "team update"})

	assert.Equal(t, []string{"m-1"}, messageIDs(t, drain(b)))
	assert.Equal(t, []string{"m-1"}, messageIDs(t, drain(c)))
	assert.Empty(t, drain(a))
}

func TestFanout_DropsWithoutSenderOrChat(t *testing.T) {
	h := newHarness(t)
	c1 := h.newChat("doc-a", "pat-b")
	doctor := h.online("c-a", "doc-a", chat.RoleDoctor)
	patient := h.online("c-b", "pat-b", chat.RolePatient)
	h.send(patient, EventJoinChat, c1.ID)
	drainAll(doctor, patient)

	h.send(doctor, EventNewMessage, map[string]interface{}{"_id": "m-1", "chatId": c1.ID, "content": "anonymous"})
	h.send(doctor, EventNewMessage, map[string]interface{}{"_id": "m-2", "chatId": chat.NewID(), "sender": "doc-a", "content": "lost"})
	h.send(doctor, EventNewMessage, map[string]interface{}{"_id": "m-3", "sender": "doc-a", "content": "nowhere"})
	h.sendRaw(doctor, EventNewMessage, `[1,2,3]`)

	assert.Empty(t, drain(patient))
	assert.Empty(t, drain(doctor))
}
