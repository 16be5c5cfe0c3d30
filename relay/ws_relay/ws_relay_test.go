package ws_relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frostmesh/frostmesh/relay"
)

func newTestRelay(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewServer())
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialTest(t *testing.T, url, deviceID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, deviceID)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// waitForDevices blocks until the relay has processed n registrations.
func waitForDevices(t *testing.T, client *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		devices, err := client.ListDevices(context.Background())
		return err == nil && len(devices) >= n
	}, 5*time.Second, 50*time.Millisecond)
}

func receive(t *testing.T, client *Client) relay.Inbound {
	t.Helper()
	select {
	case in, ok := <-client.Inbound():
		require.True(t, ok, "inbound channel closed")
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound payload")
		return relay.Inbound{}
	}
}

func TestSendBetweenRegisteredDevices(t *testing.T) {
	url := newTestRelay(t)
	alice := dialTest(t, url, "alice")
	bob := dialTest(t, url, "bob")
	waitForDevices(t, alice, 2)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, "bob", []byte("hello bob")))

	in := receive(t, bob)
	require.Equal(t, "alice", in.From)
	require.Equal(t, []byte("hello bob"), in.Data)

	require.NoError(t, bob.Send(ctx, "alice", []byte("hello alice")))
	in = receive(t, alice)
	require.Equal(t, "bob", in.From)
	require.Equal(t, []byte("hello alice"), in.Data)
}

func TestSendCarriesOpaqueBinaryPayloads(t *testing.T) {
	url := newTestRelay(t)
	alice := dialTest(t, url, "alice")
	bob := dialTest(t, url, "bob")
	waitForDevices(t, alice, 2)

	// Payloads are opaque to the relay: raw bytes that are not valid JSON
	// must round-trip unchanged.
	payload := []byte{0x00, 0xff, '{', 0x80, 0x01, 'h', 'i'}
	require.NoError(t, alice.Send(context.Background(), "bob", payload))

	in := receive(t, bob)
	require.Equal(t, "alice", in.From)
	require.Equal(t, payload, in.Data)
}

func TestSendPreservesPerPeerOrder(t *testing.T) {
	url := newTestRelay(t)
	alice := dialTest(t, url, "alice")
	bob := dialTest(t, url, "bob")
	waitForDevices(t, alice, 2)

	ctx := context.Background()
	payloads := []string{"one", "two", "three", "four"}
	for _, p := range payloads {
		require.NoError(t, alice.Send(ctx, "bob", []byte(p)))
	}
	for _, want := range payloads {
		in := receive(t, bob)
		require.Equal(t, want, string(in.Data))
	}
}

func TestListDevices(t *testing.T) {
	url := newTestRelay(t)
	alice := dialTest(t, url, "alice")
	dialTest(t, url, "bob")
	dialTest(t, url, "carol")
	waitForDevices(t, alice, 3)

	devices, err := alice.ListDevices(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, devices, "device list is sorted")
}

func TestSendToUnknownDeviceDoesNotFailSender(t *testing.T) {
	url := newTestRelay(t)
	alice := dialTest(t, url, "alice")
	bob := dialTest(t, url, "bob")
	waitForDevices(t, alice, 2)

	ctx := context.Background()
	// The relay answers with an error envelope; the sender treats it as
	// informational and the connection stays usable.
	require.NoError(t, alice.Send(ctx, "nobody", []byte("lost")))

	require.NoError(t, alice.Send(ctx, "bob", []byte("still here")))
	in := receive(t, bob)
	require.Equal(t, "still here", string(in.Data))
}

func TestCloseShutsDownInbound(t *testing.T) {
	url := newTestRelay(t)
	alice := dialTest(t, url, "alice")

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	select {
	case _, ok := <-alice.Inbound():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound channel was not closed")
	}

	require.Error(t, alice.Send(context.Background(), "bob", []byte("late")))
}

func TestReRegisterDisplacesPreviousConnection(t *testing.T) {
	url := newTestRelay(t)
	first := dialTest(t, url, "alice")
	dialTest(t, url, "alice")
	bob := dialTest(t, url, "bob")

	// The displaced connection's read loop terminates.
	select {
	case _, ok := <-first.Inbound():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("displaced connection was not closed")
	}

	require.NoError(t, bob.Send(context.Background(), "alice", []byte("to the new one")))
}
