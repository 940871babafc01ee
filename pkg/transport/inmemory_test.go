package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTransportRequestReply(t *testing.T) {
	tr := NewInMemoryTransport()
	closer, err := tr.Reply(context.Background(), "test.subject", func(ctx context.Context, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})
	require.NoError(t, err)
	defer closer.Close()

	resp, err := tr.Request(context.Background(), "test.subject", []byte("hello"), time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(resp))
}

func TestInMemoryTransportRequestTimeout(t *testing.T) {
	tr := NewInMemoryTransport()
	_, err := tr.Request(context.Background(), "no.such.subject", []byte("x"), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestInMemoryTransportPublishSubscribe(t *testing.T) {
	tr := NewInMemoryTransport()
	sub, err := tr.Subscribe(context.Background(), "updates")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(context.Background(), "updates", []byte("hi")))

	select {
	case msg := <-sub.Chan():
		require.Equal(t, "hi", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}
