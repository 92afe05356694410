package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/medconnect/medconnect/internal/chat"
)

// Client to server.
const (
	EventSetup        = "setup"
	EventJoinChat     = "join-chat"
	EventTyping       = "typing"
	EventStopTyping   = "stop-typing"
	EventNewMessage   = "new-message"
	EventMessageRead  = "message-read"
	EventCallRequest  = "call-request"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventJoinRoom     = "join-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventCallEnded    = "call-ended"
	EventMessage      = "message"
)

// Server to client. Relays reuse the inbound names above.
const (
	EventConnected          = "connected"
	EventUserOnline         = "user-online"
	EventDoctorOnline       = "doctor-online"
	EventPatientOnline      = "patient-online"
	EventMessageReceived    = "message-received"
	EventDoctorMessage      = "doctor-message"
	EventPatientMessage     = "patient-message"
	EventMessagesMarkedRead = "messages-marked-read"
	EventJoined             = "joined"
	EventUserJoined         = "user-joined"
)

// Between instances only. Never delivered to clients.
const EventSessionReplaced = "presence:replaced"

const ReasonOffline = "offline"

// UserRef is a user given either as a bare id or as a populated user
// document.
type UserRef struct {
	ID   string `json:"_id"`
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

func (u *UserRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &u.ID)
	}
	var doc struct {
		ID    string `json:"_id"`
		AltID string `json:"id"`
		Role  string `json:"role"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("user reference: %w", err)
	}
	u.ID, u.Role, u.Name = doc.ID, doc.Role, doc.Name
	if u.ID == "" {
		u.ID = doc.AltID
	}
	return nil
}

// ChatRef is a chat given either as a bare id or as a populated chat
// document with its participants.
type ChatRef struct {
	ID           string    `json:"_id"`
	Participants []UserRef `json:"participants,omitempty"`
	IsGroup      bool      `json:"isGroup,omitempty"`
}

func (c *ChatRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &c.ID)
	}
	type plain ChatRef
	var doc plain
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("chat reference: %w", err)
	}
	*c = ChatRef(doc)
	return nil
}

type SetupPayload struct {
	ID   string `json:"_id" validate:"required"`
	Role string `json:"role"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	UserName string `json:"userName,omitempty"`
}

// NewMessagePayload is the message a client has just persisted through the
// REST API. It is relayed to recipients unchanged.
type NewMessagePayload struct {
	ID          string            `json:"_id,omitempty"`
	Chat        *ChatRef          `json:"chat,omitempty"`
	ChatID      string            `json:"chatId,omitempty"`
	Sender      UserRef           `json:"sender"`
	Content     string            `json:"content,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

// ResolvedChatID prefers the embedded chat document over chatId.
func (p *NewMessagePayload) ResolvedChatID() string {
	if p.Chat != nil && p.Chat.ID != "" {
		return p.Chat.ID
	}
	return p.ChatID
}

type MessageReadPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

type CallRequestPayload struct {
	ReceiverID string  `json:"receiverId" validate:"required"`
	Room       string  `json:"room" validate:"required"`
	Caller     UserRef `json:"caller"`
	CallType   string  `json:"callType,omitempty"`
}

// CallReplyPayload is shared by call-accepted and call-rejected.
type CallReplyPayload struct {
	CallerID   string `json:"callerId" validate:"required"`
	Room       string `json:"room" validate:"required"`
	ReceiverID string `json:"receiverId"`
	Reason     string `json:"reason,omitempty"`
}

type JoinRoomPayload struct {
	Room   string `json:"room" validate:"required"`
	UserID string `json:"userId,omitempty"`
}

type OfferPayload struct {
	Room  string          `json:"room" validate:"required"`
	Offer json.RawMessage `json:"offer" validate:"rawjson"`
}

type AnswerPayload struct {
	Room   string          `json:"room" validate:"required"`
	Answer json.RawMessage `json:"answer" validate:"rawjson"`
}

type ICECandidatePayload struct {
	Room      string          `json:"room" validate:"required"`
	Candidate json.RawMessage `json:"candidate" validate:"rawjson"`
}

type CallEndedPayload struct {
	Room string `json:"room" validate:"required"`
}

type InCallMessagePayload struct {
	Room    string          `json:"room" validate:"required"`
	Message json.RawMessage `json:"message" validate:"rawjson"`
}

// Outbound payloads.

type UserOnline struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Role   string `json:"role,omitempty"`
}

type CallRejection struct {
	Room       string `json:"room"`
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	Reason     string `json:"reason"`
	Timestamp  int64  `json:"timestamp"`
}

type Joined struct {
	Room        string `json:"room"`
	IsInitiator bool   `json:"isInitiator"`
}

type UserJoined struct {
	Room   string `json:"room"`
	UserID string `json:"userId,omitempty"`
}

// SessionReplaced tells the other instances that UserID set up on ConnID at
// Instance, At being unix nanoseconds.
type SessionReplaced struct {
	UserID   string `json:"userId"`
	ConnID   string `json:"connId"`
	Instance string `json:"instance"`
	At       int64  `json:"at"`
}

type MessagesMarkedRead struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type DoctorMessage struct {
	Message  json.RawMessage `json:"message"`
	DoctorID string          `json:"doctorId"`
}

type PatientMessage struct {
	Message   json.RawMessage `json:"message"`
	PatientID string          `json:"patientId"`
}

// newValidator returns a validator that also knows "rawjson": a present,
// non-null JSON value.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("rawjson", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		if f.Kind() != reflect.Slice {
			return false
		}
		b := bytes.TrimSpace(f.Bytes())
		return len(b) > 0 && !bytes.Equal(b, []byte("null"))
	})
	return v
}
