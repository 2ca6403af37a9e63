package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"
)

func newRedisNotifier(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewRedis(client)
	t.Cleanup(func() {
		_ = n.Close()
		_ = client.Close()
		mr.Close()
	})
	return n
}

func TestRedisPublishSubscribe(t *testing.T) {
	n := newRedisNotifier(t)
	exercise(t, n, "queuelock:release:k")
	if m := n.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRedisSubscribeAfterClose(t *testing.T) {
	n := newRedisNotifier(t)
	_ = n.Close()
	if _, err := n.Subscribe(context.Background(), "k"); !errors.Is(err, qerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
