package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/medconnect/medconnect/internal/chat"
)

// Fanout relays a freshly persisted message to the other participants of
// its chat. Delivery is best effort: every failure is logged and the event
// dropped, the REST read path being the consistency backstop.
type Fanout struct {
	chats    chat.Store
	users    chat.UserDirectory
	presence *Presence
	typing   *Typing
	emit     *Emitter
	log      zerolog.Logger
}

func NewFanout(chats chat.Store, users chat.UserDirectory, presence *Presence, typing *Typing, emit *Emitter, logger zerolog.Logger) *Fanout {
	return &Fanout{
		chats:    chats,
		users:    users,
		presence: presence,
		typing:   typing,
		emit:     emit,
		log:      logger.With().Str("component", "fanout").Logger(),
	}
}

// Deliver fans out msg, whose raw encoding is raw, received on connID.
//
// Each recipient gets message-received on its user channel and the chat
// room gets one more copy, so a client may see the same message twice and
// must dedupe by id.
func (f *Fanout) Deliver(ctx context.Context, connID string, msg *NewMessagePayload, raw json.RawMessage) {
	sender := msg.Sender.ID
	if sender == "" {
		f.log.Warn().Str("conn_id", connID).Msg("message without sender dropped")
		return
	}
	chatID := msg.ResolvedChatID()

	participants, err := f.participants(ctx, chatID, msg)
	if err != nil {
		f.log.Warn().Err(err).Str("chat_id", chatID).Str("sender", sender).Msg("participant lookup failed, message not relayed")
		return
	}

	if chatID != "" && f.typing.Take(chatID, sender) {
		f.emit.ToRoom(ctx, ChatRoom(chatID), connID, EventStopTyping, TypingPayload{ChatID: chatID, UserID: sender})
	}

	recipients := lo.UniqBy(lo.Filter(participants, func(p UserRef, _ int) bool {
		return p.ID != "" && p.ID != sender
	}), func(p UserRef) string { return p.ID })
	for _, p := range recipients {
		f.emit.ToUser(ctx, p.ID, EventMessageReceived, raw)
	}
	if chatID != "" {
		f.emit.ToRoom(ctx, ChatRoom(chatID), connID, EventMessageReceived, raw)
	}

	f.deriveRoleEvents(ctx, msg.Sender, recipients, raw)
}

// participants prefers the list embedded in the payload and falls back to
// the chat store.
func (f *Fanout) participants(ctx context.Context, chatID string, msg *NewMessagePayload) ([]UserRef, error) {
	if msg.Chat != nil && len(msg.Chat.Participants) > 0 {
		return msg.Chat.Participants, nil
	}
	if chatID == "" {
		return nil, chat.ErrChatNotFound
	}
	ids, err := f.chats.FindParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return lo.Map(ids, func(id string, _ int) UserRef { return UserRef{ID: id} }), nil
}

// deriveRoleEvents sends doctor-message to patients of a doctor sender and
// patient-message to doctors of a patient sender. Unknown roles suppress
// the event.
func (f *Fanout) deriveRoleEvents(ctx context.Context, sender UserRef, recipients []UserRef, raw json.RawMessage) {
	senderRole := f.roleOf(ctx, sender)
	if senderRole != chat.RoleDoctor && senderRole != chat.RolePatient {
		return
	}
	for _, r := range recipients {
		role := f.roleOf(ctx, r)
		switch {
		case senderRole == chat.RoleDoctor && role == chat.RolePatient:
			f.emit.ToUser(ctx, r.ID, EventDoctorMessage, DoctorMessage{Message: raw, DoctorID: sender.ID})
		case senderRole == chat.RolePatient && role == chat.RoleDoctor:
			f.emit.ToUser(ctx, r.ID, EventPatientMessage, PatientMessage{Message: raw, PatientID: sender.ID})
		}
	}
}

// roleOf resolves a role from the payload, then presence, then the user
// directory. It returns "" when none of them knows.
func (f *Fanout) roleOf(ctx context.Context, u UserRef) string {
	if u.Role != "" {
		return u.Role
	}
	if c, ok := f.presence.Locate(ctx, u.ID); ok && c.Role != "" {
		return c.Role
	}
	if f.users == nil {
		return ""
	}
	role, err := f.users.UserRole(ctx, u.ID)
	if err != nil {
		f.log.Debug().Err(err).Str("user_id", u.ID).Msg("role unknown")
		return ""
	}
	return role
}
