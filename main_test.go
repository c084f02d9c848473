package main

import (
	"testing"
	"time"

	"github.com/onnwee/kickbot/store"
)

func TestLatestCredential(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   map[string]store.Credential
		want string
		ok   bool
	}{
		{name: "empty", in: map[string]store.Credential{}, ok: false},
		{
			name: "most recent wins",
			in: map[string]store.Credential{
				"old": {Channel: "old", UpdatedAt: base},
				"new": {Channel: "new", UpdatedAt: base.Add(time.Hour)},
			},
			want: "new", ok: true,
		},
		{
			name: "tie broken by name",
			in: map[string]store.Credential{
				"b": {Channel: "b", UpdatedAt: base},
				"a": {Channel: "a", UpdatedAt: base},
			},
			want: "a", ok: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := latestCredential(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.Channel != tt.want {
				t.Errorf("channel = %q, want %q", got.Channel, tt.want)
			}
		})
	}
}
