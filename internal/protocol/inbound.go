package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound is a decoded server-to-agent record. The set of implementations is
// closed: JoinAckRecord, ParticipantJoinedRecord, ParticipantLeftRecord,
// ChatRecord, ErrorRecordMsg, PongRecord and UnknownRecord.
type Inbound interface {
	Kind() MessageType
	inbound()
}

type JoinAckRecord struct{ JoinAck }
type ParticipantJoinedRecord struct{ Participant Participant }
type ParticipantLeftRecord struct{ Participant Participant }
type ChatRecord struct{ Chat }
type ErrorRecordMsg struct{ ErrorRecord }
type PongRecord struct{ Probe }

// UnknownRecord is a well-formed envelope with an unrecognized type tag.
type UnknownRecord struct {
	Type MessageType
	Raw  json.RawMessage
}

func (JoinAckRecord) Kind() MessageType           { return MessageTypeJoinAck }
func (ParticipantJoinedRecord) Kind() MessageType { return MessageTypeParticipantJoined }
func (ParticipantLeftRecord) Kind() MessageType   { return MessageTypeParticipantLeft }
func (ChatRecord) Kind() MessageType              { return MessageTypeChat }
func (ErrorRecordMsg) Kind() MessageType          { return MessageTypeError }
func (PongRecord) Kind() MessageType              { return MessageTypePong }
func (u UnknownRecord) Kind() MessageType         { return u.Type }

func (JoinAckRecord) inbound()           {}
func (ParticipantJoinedRecord) inbound() {}
func (ParticipantLeftRecord) inbound()   {}
func (ChatRecord) inbound()              {}
func (ErrorRecordMsg) inbound()          {}
func (PongRecord) inbound()              {}
func (UnknownRecord) inbound()           {}

// ErrMalformed is matched by every *ParseError via errors.Is.
var ErrMalformed = errors.New("malformed signaling record")

// ParseError describes a text frame that could not be decoded.
type ParseError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("parse %s record: %s: %v", e.Type, e.Reason, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("parse record: %s: %v", e.Reason, e.Err)
	}
	return "parse record: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformed
}

// ParseInbound decodes a text frame. Unrecognized type tags are not an error;
// they come back as UnknownRecord for the caller to log and drop.
func ParseInbound(data []byte) (Inbound, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, &ParseError{Reason: "invalid envelope", Err: err}
	}
	if msg.Type == "" {
		return nil, &ParseError{Reason: "missing type tag"}
	}

	switch msg.Type {
	case MessageTypeJoinAck:
		var v JoinAck
		if err := decodeData(msg, &v); err != nil {
			return nil, err
		}
		return JoinAckRecord{v}, nil
	case MessageTypeParticipantJoined:
		var v ParticipantEvent
		if err := decodeData(msg, &v); err != nil {
			return nil, err
		}
		return ParticipantJoinedRecord{Participant: v.Participant}, nil
	case MessageTypeParticipantLeft:
		var v ParticipantEvent
		if err := decodeData(msg, &v); err != nil {
			return nil, err
		}
		return ParticipantLeftRecord{Participant: v.Participant}, nil
	case MessageTypeChat:
		var v Chat
		if err := decodeData(msg, &v); err != nil {
			return nil, err
		}
		return ChatRecord{v}, nil
	case MessageTypeError:
		var v ErrorRecord
		if err := decodeData(msg, &v); err != nil {
			return nil, err
		}
		return ErrorRecordMsg{v}, nil
	case MessageTypePong:
		var v Probe
		if len(msg.Data) > 0 {
			if err := decodeData(msg, &v); err != nil {
				return nil, err
			}
		}
		return PongRecord{v}, nil
	default:
		return UnknownRecord{Type: msg.Type, Raw: msg.Data}, nil
	}
}

func decodeData(msg *BaseMessage, v interface{}) error {
	if len(msg.Data) == 0 {
		return &ParseError{Type: msg.Type, Reason: "missing data"}
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return &ParseError{Type: msg.Type, Reason: "invalid data", Err: err}
	}
	return nil
}
