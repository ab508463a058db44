package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// MessageIDLength is the encoded width of a MessageID on the wire.
const MessageIDLength = 32

// MessageID correlates a response with the request that caused it.
// It is only used for routing, never for authorization.
type MessageID [16]byte

// NewMessageID returns a fresh random id.
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

// ParseMessageID parses the 32 lowercase hex character wire form.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	if len(s) != MessageIDLength {
		return id, fmt.Errorf("message id must be %d characters, got %d", MessageIDLength, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return id, fmt.Errorf("message id contains invalid character %q", c)
		}
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("decode message id: %w", err)
	}
	return id, nil
}

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

func (id MessageID) appendTo(b []byte) []byte {
	return hex.AppendEncode(b, id[:])
}
