package gateway

import (
	"testing"

	"github.com/user/ambient-link/protocol"
)

func TestMapTopic(t *testing.T) {
	tests := []struct {
		name      string
		msg       protocol.Message
		wantTopic string
		wantKey   string // payload key that must be present
		wantVal   any
	}{
		{
			name:      "register user",
			msg:       protocol.Message{"action": "register_user", "name": "Ada Lovelace"},
			wantTopic: TopicUserRegister,
			wantKey:   "user_id",
			wantVal:   "ada_lovelace",
		},
		{
			name:      "select user",
			msg:       protocol.Message{"action": "select_user", "user_id": "u7"},
			wantTopic: TopicUserSelect,
			wantKey:   "user_id",
			wantVal:   "u7",
		},
		{
			name:      "power by action",
			msg:       protocol.Message{"action": "power", "state": "on"},
			wantTopic: TopicPower,
			wantKey:   "state",
			wantVal:   "on",
		},
		{
			name:      "power by bare key",
			msg:       protocol.Message{"power": "off"},
			wantTopic: TopicPower,
			wantKey:   "state",
			wantVal:   "off",
		},
		{
			name:      "speed by bare key",
			msg:       protocol.Message{"speed": 50},
			wantTopic: TopicSpeed,
			wantKey:   "level",
			wantVal:   50,
		},
		{
			name:      "angle by direction key",
			msg:       protocol.Message{"direction": "left"},
			wantTopic: TopicAngle,
			wantKey:   "direction",
			wantVal:   "left",
		},
		{
			name:      "manual control maps to angle",
			msg:       protocol.Message{"action": "manual_control", "angle": 45},
			wantTopic: TopicAngle,
			wantKey:   "direction",
			wantVal:   45,
		},
		{
			name:      "face tracking by bare key",
			msg:       protocol.Message{"trackingOn": true},
			wantTopic: TopicFaceTracking,
			wantKey:   "enabled",
			wantVal:   true,
		},
		{
			name:      "stats request default period",
			msg:       protocol.Message{"action": "stats_request", "user_id": "u7"},
			wantTopic: TopicStatsRequest,
			wantKey:   "period",
			wantVal:   "day",
		},
		{
			name:      "stats request explicit period",
			msg:       protocol.Message{"action": "stats_request", "user_id": "u7", "period": "week"},
			wantTopic: TopicStatsRequest,
			wantKey:   "period",
			wantVal:   "week",
		},
		{
			name:      "update user",
			msg:       protocol.Message{"action": "update_user", "user_id": "u7", "name": "New Name"},
			wantTopic: TopicUserUpdate,
			wantKey:   "name",
			wantVal:   "New Name",
		},
		{
			name:      "delete user",
			msg:       protocol.Message{"action": "delete_user", "user_id": "u7"},
			wantTopic: TopicUserDelete,
			wantKey:   "user_id",
			wantVal:   "u7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, payload, ok := MapTopic(tt.msg)
			if !ok {
				t.Fatalf("MapTopic(%v) not recognized", tt.msg)
			}
			if topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", topic, tt.wantTopic)
			}
			if got := payload[tt.wantKey]; got != tt.wantVal {
				t.Errorf("payload[%q] = %v, want %v", tt.wantKey, got, tt.wantVal)
			}
			if payload.Str("timestamp") == "" {
				t.Error("payload missing timestamp")
			}
		})
	}
}

func TestMapTopicUnknown(t *testing.T) {
	for _, msg := range []protocol.Message{
		{"action": "reboot"},
		{"unrelated": "field"},
		{},
	} {
		if topic, _, ok := MapTopic(msg); ok {
			t.Errorf("MapTopic(%v) = %q, want unrecognized", msg, topic)
		}
	}
}

func TestUserID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ada Lovelace", "ada_lovelace"},
		{"bob", "bob"},
		{"A B C", "a_b_c"},
	}
	for _, tt := range tests {
		if got := userID(tt.in); got != tt.want {
			t.Errorf("userID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
