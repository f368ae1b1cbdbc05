// Package protocol defines the JSON records exchanged with the signaling
// server.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType represents the type tag of a signaling record
type MessageType string

const (
	// Agent -> Server message types
	MessageTypeJoin MessageType = "join"
	MessageTypeChat MessageType = "chat"
	MessageTypePing MessageType = "ping"

	// Server -> Agent message types
	MessageTypeJoinAck           MessageType = "join_ack"
	MessageTypeParticipantJoined MessageType = "participant_joined"
	MessageTypeParticipantLeft   MessageType = "participant_left"
	MessageTypeError             MessageType = "error"
	MessageTypePong              MessageType = "pong"
)

// Error codes carried by ErrorRecord.
const (
	CodeCredentialExpired = "credential_expired"
	CodeUnauthorized      = "unauthorized"
	CodeRoomFull          = "room_full"
)

// BaseMessage is the common envelope for all signaling records
type BaseMessage struct {
	Type    MessageType     `json:"type"`
	Session string          `json:"session,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JoinRequest asks the server to admit an identity into a session
type JoinRequest struct {
	Session    string `json:"session"`
	Identity   string `json:"identity"`
	Credential string `json:"credential"`
}

// Participant is a member of a session
type Participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// JoinAck confirms a join and lists the current members
type JoinAck struct {
	Session      string        `json:"session"`
	Identity     string        `json:"identity"`
	Participants []Participant `json:"participants,omitempty"`
}

// ParticipantEvent announces a member joining or leaving
type ParticipantEvent struct {
	Participant Participant `json:"participant"`
}

// Chat is a text message addressed to the whole session
type Chat struct {
	From   string    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// ErrorRecord reports a protocol-level error from the server
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// CredentialExpired reports whether the record signals an expired credential.
func (e ErrorRecord) CredentialExpired() bool {
	return e.Code == CodeCredentialExpired
}

// Probe is the payload of both ping and pong records
type Probe struct {
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sentAt"` // unix milliseconds
}

func encode(t MessageType, session string, payload interface{}) []byte {
	msg := BaseMessage{
		Type:    t,
		Session: session,
	}
	if payload != nil {
		data, _ := json.Marshal(payload)
		msg.Data = data
	}
	result, _ := json.Marshal(msg)
	return result
}

// NewJoinMessage creates a join request
func NewJoinMessage(session, identity, credential string) []byte {
	return encode(MessageTypeJoin, session, JoinRequest{
		Session:    session,
		Identity:   identity,
		Credential: credential,
	})
}

// NewChatMessage creates a chat message
func NewChatMessage(session, from, text string, at time.Time) []byte {
	return encode(MessageTypeChat, session, Chat{From: from, Text: text, SentAt: at.UTC()})
}

// NewPingMessage creates a liveness probe
func NewPingMessage(seq uint64, at time.Time) []byte {
	return encode(MessageTypePing, "", Probe{Seq: seq, SentAt: at.UnixMilli()})
}

// NewPongMessage creates a liveness acknowledgment echoing a probe
func NewPongMessage(p Probe) []byte {
	return encode(MessageTypePong, "", p)
}

// NewJoinAckMessage creates a join acknowledgment
func NewJoinAckMessage(session, identity string, participants []Participant) []byte {
	return encode(MessageTypeJoinAck, session, JoinAck{
		Session:      session,
		Identity:     identity,
		Participants: participants,
	})
}

// NewParticipantJoinedMessage announces a new member
func NewParticipantJoinedMessage(session string, p Participant) []byte {
	return encode(MessageTypeParticipantJoined, session, ParticipantEvent{Participant: p})
}

// NewParticipantLeftMessage announces a departing member
func NewParticipantLeftMessage(session string, p Participant) []byte {
	return encode(MessageTypeParticipantLeft, session, ParticipantEvent{Participant: p})
}

// NewErrorMessage creates an error record
func NewErrorMessage(session, code, message string) []byte {
	return encode(MessageTypeError, session, ErrorRecord{Code: code, Message: message})
}

// ParseMessage parses the envelope of a raw record without decoding its
// payload.
func ParseMessage(data []byte) (*BaseMessage, error) {
	var msg BaseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseJoinRequest parses join request data
func ParseJoinRequest(data json.RawMessage) (*JoinRequest, error) {
	var msg JoinRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseProbe parses ping or pong data
func ParseProbe(data json.RawMessage) (*Probe, error) {
	var msg Probe
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseChat parses chat data
func ParseChat(data json.RawMessage) (*Chat, error) {
	var msg Chat
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
