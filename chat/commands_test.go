package chat

import (
	"testing"
	"time"
)

func TestCommandsRespond(t *testing.T) {
	fixed := time.Date(2026, 10, 14, 9, 5, 7, 0, time.UTC)
	c := Commands{Now: func() time.Time { return fixed }, Location: time.UTC}

	tests := []struct {
		name   string
		sender string
		body   string
		want   string
		wantOK bool
	}{
		{"greeting", "budi", "halo", "Halo @budi! 👋 Bot aktif.", true},
		{"greeting inside sentence", "sari", "eh halo semua", "Halo @sari! 👋 Bot aktif.", true},
		{"greeting uppercase", "x", "HALO", "Halo @x! 👋 Bot aktif.", true},
		{"time", "x", "!waktu", "🕒 Sekarang: 14/10/2026, 09.05.07", true},
		{"help", "x", "!help", "Perintah: halo, !waktu, !help", true},
		{"time needs exact match", "x", "!waktu sekarang", "", false},
		{"help needs exact match", "x", " !help", "", false},
		{"no match", "x", "apa kabar", "", false},
		{"empty", "x", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Respond(tt.sender, tt.body)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Respond(%q, %q) = %q, %v; want %q, %v", tt.sender, tt.body, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTimeLayoutSingleDigitDayMonth(t *testing.T) {
	got := time.Date(2025, 3, 5, 23, 59, 1, 0, time.UTC).Format(TimeLayout)
	if got != "5/3/2025, 23.59.01" {
		t.Errorf("Format = %q", got)
	}
}

func TestResponderFunc(t *testing.T) {
	var r Responder = ResponderFunc(func(sender, body string) (string, bool) { return sender + ":" + body, true })
	if got, ok := r.Respond("a", "b"); !ok || got != "a:b" {
		t.Errorf("Respond() = %q, %v", got, ok)
	}
}
