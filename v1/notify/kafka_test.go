package notify

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestKafkaPublishSubscribe(t *testing.T) {
	brokers := os.Getenv("QUEUELOCK_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("QUEUELOCK_TEST_KAFKA_BROKERS not set")
	}
	n, err := NewKafka(strings.Split(brokers, ","), nil)
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })

	topic := "queuelock-release-" + uuid.NewString()
	// create the topic before subscribing to partition 0
	if err := n.Publish(context.Background(), topic); err != nil {
		t.Fatalf("warm up publish: %v", err)
	}
	exercise(t, n, topic)
}

func TestKafkaTopicNames(t *testing.T) {
	cases := map[string]string{
		"queuelock:release:jobs": "queuelock_release_jobs",
		"a.b-c_d":                "a.b-c_d",
		"spaces here/x":          "spaces_here_x",
	}
	for in, want := range cases {
		if got := topicFor(in); got != want {
			t.Fatalf("topicFor(%q) = %q, want %q", in, got, want)
		}
	}
}
