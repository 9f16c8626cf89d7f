package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEvent() *Event {
	return &Event{
		EventID:    uuid.New(),
		GuildID:    "guild-1",
		ActorID:    "actor-1",
		Kind:       KindMessage,
		Timestamp:  time.Now().UTC(),
		ReceivedAt: time.Now().UTC(),
		Payload:    Payload{Text: "hello", ChannelID: "chan-1"},
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{
			name:    "valid message event",
			mutate:  func(e *Event) {},
			wantErr: false,
		},
		{
			name:    "missing guild",
			mutate:  func(e *Event) { e.GuildID = "" },
			wantErr: true,
		},
		{
			name:    "unknown kind",
			mutate:  func(e *Event) { e.Kind = Kind("mystery") },
			wantErr: true,
		},
		{
			name:    "zero timestamp",
			mutate:  func(e *Event) { e.Timestamp = time.Time{} },
			wantErr: true,
		},
		{
			name:    "timestamp too old",
			mutate:  func(e *Event) { e.Timestamp = time.Now().UTC().Add(-48 * time.Hour) },
			wantErr: true,
		},
		{
			name:    "timestamp in future",
			mutate:  func(e *Event) { e.Timestamp = time.Now().UTC().Add(time.Hour) },
			wantErr: true,
		},
		{
			name: "join without actor is allowed",
			mutate: func(e *Event) {
				e.Kind = KindJoin
				e.ActorID = ""
				e.Payload = Payload{AccountAge: time.Hour}
			},
			wantErr: false,
		},
		{
			name: "message without actor is rejected",
			mutate: func(e *Event) {
				e.ActorID = ""
			},
			wantErr: true,
		},
		{
			name: "oversized text",
			mutate: func(e *Event) {
				e.Payload.Text = strings.Repeat("x", 9000)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			err := v.Validate(e)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKind_IsDestructive(t *testing.T) {
	destructive := []Kind{KindChannelDelete, KindRoleDelete, KindBanCreate, KindMassAction}
	for _, k := range destructive {
		if !k.IsDestructive() {
			t.Errorf("%s should be destructive", k)
		}
	}
	for _, k := range []Kind{KindMessage, KindJoin} {
		if k.IsDestructive() {
			t.Errorf("%s should not be destructive", k)
		}
	}
}
