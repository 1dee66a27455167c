package gateway

import (
	"strings"
	"time"

	"github.com/user/ambient-link/protocol"
)

// Command topics published by the gateway.
const (
	TopicUserRegister = "ambient/user/register"
	TopicUserSelect   = "ambient/user/select"
	TopicUserUpdate   = "ambient/user/update"
	TopicUserDelete   = "ambient/user/delete"
	TopicPower        = "ambient/command/power"
	TopicSpeed        = "ambient/command/speed"
	TopicAngle        = "ambient/command/angle"
	TopicFaceTracking = "ambient/command/face-tracking"
	TopicStatsRequest = "ambient/db/stats-request"
)

// DefaultStatusTopics are the bus subscriptions relayed to the central
// as STATUS_UPDATE notifications.
var DefaultStatusTopics = []string{
	"ambient/status/#",
	"ambient/ai/gesture-detected",
	"ambient/ai/face-detected",
	"ambient/ai/face-position",
	"ambient/user/embedding-ready",
	"ambient/user/session-start",
	"ambient/user/session-end",
	"ambient/db/stats-response",
}

// userID derives a stable user identifier from a display name.
func userID(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// MapTopic maps a decoded command message onto its bus topic and
// payload. Commands are recognized either by the action field or, for
// the bare control flows the mobile app also sends, by a
// distinguishing key. Returns ok=false for unknown commands.
func MapTopic(m protocol.Message) (topic string, payload protocol.Message, ok bool) {
	timestamp := time.Now().Format(time.RFC3339)
	action := m.Action()

	switch {
	case action == "register_user":
		return TopicUserRegister, protocol.Message{
			"user_id":      userID(m.Str("name")),
			"name":         m.Str("name"),
			"bluetooth_id": m["bluetooth_id"],
			"image_base64": m["image_base64"],
			"timestamp":    timestamp,
		}, true

	case action == "select_user":
		return TopicUserSelect, protocol.Message{
			"user_id":   m["user_id"],
			"timestamp": timestamp,
		}, true

	case action == "power" || m.Has("power"):
		state := m["power"]
		if state == nil {
			state = m["state"]
		}
		return TopicPower, protocol.Message{
			"state":     state,
			"timestamp": timestamp,
		}, true

	case action == "speed" || m.Has("speed"):
		level := m["speed"]
		if level == nil {
			level = m["level"]
		}
		return TopicSpeed, protocol.Message{
			"level":     level,
			"timestamp": timestamp,
		}, true

	case action == "angle" || action == "manual_control" || m.Has("direction"):
		direction := m["direction"]
		if direction == nil {
			direction = m["angle"]
		}
		return TopicAngle, protocol.Message{
			"direction": direction,
			"timestamp": timestamp,
		}, true

	case action == "face_tracking" || m.Has("trackingOn"):
		enabled := m["trackingOn"]
		if enabled == nil {
			enabled = m["enabled"]
		}
		return TopicFaceTracking, protocol.Message{
			"enabled":   enabled,
			"timestamp": timestamp,
		}, true

	case action == "stats_request":
		period := m.Str("period")
		if period == "" {
			period = "day"
		}
		return TopicStatsRequest, protocol.Message{
			"user_id":   m["user_id"],
			"period":    period,
			"timestamp": timestamp,
		}, true

	case action == "update_user":
		return TopicUserUpdate, protocol.Message{
			"user_id":      m["user_id"],
			"name":         m.Str("name"),
			"image_base64": m["image_base64"],
			"timestamp":    timestamp,
		}, true

	case action == "delete_user":
		return TopicUserDelete, protocol.Message{
			"user_id":   m["user_id"],
			"timestamp": timestamp,
		}, true
	}

	return "", nil, false
}
