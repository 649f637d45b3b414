package envelope

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Header frame layout: conversation id (16) || message id (3) || type (1).
const (
	conversationIDLength = 16
	messageIDLength      = 3
	HeaderLength         = 20
)

// ErrBadHeader is returned when a header or one of its elements has a wrong
// length.
var ErrBadHeader = fmt.Errorf("malformed header")

// Header is the decoded 20-byte header frame.
type Header struct {
	ConversationID []byte
	MessageID      []byte
	Type           MessageType
}

// BuildHeader assembles the header frame. A nil conversation id generates a
// fresh one, a nil message id yields three zero bytes. Lengths are enforced
// strictly.
func BuildHeader(conversationID, messageID []byte, typ MessageType) ([]byte, error) {
	if conversationID == nil {
		conversationID = NewConversationID()
	} else if len(conversationID) != conversationIDLength {
		return nil, fmt.Errorf("%w: conversation id is %d bytes, not %d",
			ErrBadHeader, len(conversationID), conversationIDLength)
	}
	if messageID == nil {
		messageID = make([]byte, messageIDLength)
	} else if len(messageID) != messageIDLength {
		return nil, fmt.Errorf("%w: message id is %d bytes, not %d",
			ErrBadHeader, len(messageID), messageIDLength)
	}
	header := make([]byte, 0, HeaderLength)
	header = append(header, conversationID...)
	header = append(header, messageID...)
	return append(header, byte(typ)), nil
}

// ParseHeader decodes a header frame into its elements.
func ParseHeader(header []byte) (Header, error) {
	if len(header) != HeaderLength {
		return Header{}, fmt.Errorf("%w: header is %d bytes, not %d",
			ErrBadHeader, len(header), HeaderLength)
	}
	return Header{
		ConversationID: header[:conversationIDLength],
		MessageID:      header[conversationIDLength : conversationIDLength+messageIDLength],
		Type:           MessageType(header[HeaderLength-1]),
	}, nil
}

// NewConversationID generates a time-ordered 16-byte conversation id
// (UUIDv7: 48-bit millisecond timestamp, version 7, variant 10).
func NewConversationID() []byte {
	id := uuid.Must(uuid.NewV7())
	b := make([]byte, conversationIDLength)
	copy(b, id[:])
	return b
}

// ConversationIDTime recovers the creation timestamp embedded in the first
// six bytes of a conversation id, with millisecond resolution.
func ConversationIDTime(conversationID []byte) (time.Time, error) {
	if len(conversationID) != conversationIDLength {
		return time.Time{}, fmt.Errorf("%w: conversation id is %d bytes, not %d",
			ErrBadHeader, len(conversationID), conversationIDLength)
	}
	var padded [8]byte
	copy(padded[2:], conversationID[:6])
	ms := binary.BigEndian.Uint64(padded[:])
	return time.UnixMilli(int64(ms)).UTC(), nil
}
