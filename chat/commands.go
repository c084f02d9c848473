package chat

import (
	"strings"
	"time"
)

// Responder maps an inbound message to at most one reply.
type Responder interface {
	Respond(sender, body string) (reply string, ok bool)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(sender, body string) (string, bool)

func (f ResponderFunc) Respond(sender, body string) (string, bool) { return f(sender, body) }

// TimeLayout renders times the way the id-ID locale does: 14/10/2026, 09.05.07.
const TimeLayout = "2/1/2006, 15.04.05"

// HelpText lists the supported commands.
const HelpText = "Perintah: halo, !waktu, !help"

// Commands is the built-in responder. The first matching rule wins:
//
//	body contains "halo" -> greeting
//	body is "!waktu"     -> current time
//	body is "!help"      -> command list
type Commands struct {
	Now      func() time.Time
	Location *time.Location
}

func (c Commands) now() time.Time {
	t := time.Now()
	if c.Now != nil {
		t = c.Now()
	}
	if c.Location != nil {
		t = t.In(c.Location)
	}
	return t
}

// Respond returns the reply of the first rule body matches, comparing
// case-insensitively. ok is false when no rule matches.
func (c Commands) Respond(sender, body string) (string, bool) {
	body = strings.ToLower(body)
	switch {
	case strings.Contains(body, "halo"):
		return "Halo @" + sender + "! 👋 Bot aktif.", true
	case body == "!waktu":
		return "🕒 Sekarang: " + c.now().Format(TimeLayout), true
	case body == "!help":
		return HelpText, true
	}
	return "", false
}
