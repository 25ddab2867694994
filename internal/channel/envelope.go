package channel

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	TypeChat   = "chat"
	TypeTyping = "typing"
)

// Envelope is the application payload carried as text over a channel.
type Envelope struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix ms
	IsTyping  *bool  `json:"isTyping,omitempty"`
}

func EncodeChat(id, content string, at time.Time) string {
	return encode(Envelope{ID: id, Type: TypeChat, Content: content, Timestamp: at.UnixMilli()})
}

func EncodeTyping(isTyping bool) string {
	return encode(Envelope{Type: TypeTyping, IsTyping: &isTyping})
}

func encode(e Envelope) string {
	b, _ := json.Marshal(e)
	return string(b)
}

// Decode parses a payload. Anything that is not a JSON envelope is treated
// as plain chat text.
func Decode(text string) Envelope {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return Envelope{Type: TypeChat, Content: text}
	}
	var e Envelope
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return Envelope{Type: TypeChat, Content: text}
	}
	switch e.Type {
	case TypeTyping:
		if e.IsTyping == nil {
			f := false
			e.IsTyping = &f
		}
		return e
	case TypeChat, "":
		if e.Type == "" && e.Content == "" {
			return Envelope{Type: TypeChat, Content: text}
		}
		e.Type = TypeChat
		return e
	default:
		// Unknown envelope kinds still show up as chat.
		e.Type = TypeChat
		if e.Content == "" {
			e.Content = text
		}
		return e
	}
}

// Typing reports the typing flag of a typing envelope.
func (e Envelope) Typing() bool { return e.IsTyping != nil && *e.IsTyping }
