package bus

import (
	"testing"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"#", "anything/at/all", true},
		{"ambient/status/#", "ambient/status/fan", true},
		{"ambient/status/#", "ambient/status/fan/detail", true},
		{"ambient/status/#", "ambient/status", true},
		{"ambient/status/#", "ambient/statistics", false},
		{"ambient/status/#", "ambient/command/speed", false},
		{"ambient/command/speed", "ambient/command/speed", true},
		{"ambient/command/speed", "ambient/command/power", false},
	}

	for _, tt := range tests {
		if got := TopicMatches(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestBrokerDeliversToMatchingSubscribers(t *testing.T) {
	b := NewBroker()

	var status, command, all []string
	b.Subscribe("ambient/status/#", func(topic string, payload []byte) {
		status = append(status, topic)
	})
	b.Subscribe("ambient/command/speed", func(topic string, payload []byte) {
		command = append(command, topic)
	})
	b.Subscribe("#", func(topic string, payload []byte) {
		all = append(all, topic)
	})

	b.Publish("ambient/status/fan", []byte(`{}`))
	b.Publish("ambient/command/speed", []byte(`{}`))
	b.Publish("ambient/command/power", []byte(`{}`))

	if len(status) != 1 || status[0] != "ambient/status/fan" {
		t.Errorf("status subscriber saw %v", status)
	}
	if len(command) != 1 || command[0] != "ambient/command/speed" {
		t.Errorf("command subscriber saw %v", command)
	}
	if len(all) != 3 {
		t.Errorf("wildcard subscriber saw %d topics, want 3", len(all))
	}
}

func TestBrokerDeliveryOrder(t *testing.T) {
	b := NewBroker()

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		b.Subscribe("t", func(topic string, payload []byte) {
			order = append(order, i)
		})
	}
	b.Publish("t", nil)

	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order = %v, want subscription order", order)
		}
	}
	if len(order) != 4 {
		t.Fatalf("deliveries = %d, want 4", len(order))
	}
}
