package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned by ParseEvent for frames that are not valid
// JSON or lack the fields a message event requires.
var ErrMalformedFrame = errors.New("malformed chat frame")

// EventKind discriminates inbound events.
type EventKind int

const (
	EventOther EventKind = iota
	EventMessage
)

// Event is one inbound chat event. Sender and Body are set for EventMessage;
// Body is lowercased.
type Event struct {
	Kind   EventKind
	Name   string
	Sender string
	Body   string
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type messageData struct {
	Sender *struct {
		Username string `json:"username"`
	} `json:"sender"`
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
}

// ParseEvent decodes a server frame. data may be an object or a JSON string
// holding an object, as Pusher-style servers send it.
func ParseEvent(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	if f.Event != "message" {
		return Event{Kind: EventOther, Name: f.Event}, nil
	}

	data := bytes.TrimSpace(f.Data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return Event{}, fmt.Errorf("%w: data: %v", ErrMalformedFrame, err)
		}
		data = []byte(inner)
	}
	var md messageData
	if err := json.Unmarshal(data, &md); err != nil {
		return Event{}, fmt.Errorf("%w: data: %v", ErrMalformedFrame, err)
	}
	if md.Sender == nil || md.Sender.Username == "" {
		return Event{}, fmt.Errorf("%w: missing sender.username", ErrMalformedFrame)
	}
	if md.Message == nil || md.Message.Content == nil {
		return Event{}, fmt.Errorf("%w: missing message.content", ErrMalformedFrame)
	}
	return Event{
		Kind:   EventMessage,
		Name:   f.Event,
		Sender: md.Sender.Username,
		Body:   strings.ToLower(*md.Message.Content),
	}, nil
}

func encodeFrame(event string, data any) []byte {
	d, _ := json.Marshal(data)
	b, _ := json.Marshal(frame{Event: event, Data: d})
	return b
}

// AuthFrame is the first frame written after the chat connection opens.
func AuthFrame(token string) []byte {
	return encodeFrame("auth", map[string]string{"token": token})
}

// SendMessageFrame carries one outbound chat line.
func SendMessageFrame(content string) []byte {
	return encodeFrame("send_message", map[string]string{"content": content})
}
