package mqtt

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/testutil"
)

// fakeBroker accepts MQTT connections, acknowledges CONNECT and PINGREQ and
// discards everything else.
type fakeBroker struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startFakeBroker(t *testing.T, addr string) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	b := &fakeBroker{ln: ln}
	b.wg.Go(b.accept)
	t.Cleanup(b.close)
	return b
}

func (b *fakeBroker) accept() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		b.wg.Go(func() { serveMQTT(conn) })
	}
}

func (b *fakeBroker) close() {
	_ = b.ln.Close()
	b.mu.Lock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func serveMQTT(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		header, err := r.ReadByte()
		if err != nil {
			return
		}
		n, err := readRemainingLength(r)
		if err != nil {
			return
		}
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return
		}
		switch header >> 4 {
		case 1: // CONNECT
			_, err = conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
		case 12: // PINGREQ
			_, err = conn.Write([]byte{0xD0, 0x00})
		case 14: // DISCONNECT
			return
		}
		if err != nil {
			return
		}
	}
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	n, shift := 0, 0
	for range 4 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		n |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return n, nil
		}
		shift += 7
	}
	return 0, errors.NewStd("malformed remaining length")
}

// freeAddr returns a loopback address nothing is listening on
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testClientConfig(addr string) Config {
	return Config{
		Broker:         "tcp://" + addr,
		ClientID:       "presence-test",
		ConnectTimeout: 2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		MaxReconnect:   200 * time.Millisecond,
	}
}

func TestClientConnects(t *testing.T) {
	addr := freeAddr(t)
	startFakeBroker(t, addr)

	c, err := NewClient(testClientConfig(addr), nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(t.Context()))
	assert.True(t, c.IsConnected())
}

func TestClientRetriesAfterFailedFirstConnect(t *testing.T) {
	addr := freeAddr(t)

	c, err := NewClient(testClientConfig(addr), nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	err = c.Connect(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
	assert.False(t, c.IsConnected())

	startFakeBroker(t, addr)

	require.Eventually(t, c.IsConnected, testutil.DefaultTestTimeout, 20*time.Millisecond,
		"client did not reconnect once the broker came up")
	assert.NoError(t, c.Publish(t.Context(), "presence/presence", []byte(`{}`)))
}

func TestClientDisconnectStopsRetrying(t *testing.T) {
	addr := freeAddr(t)

	c, err := NewClient(testClientConfig(addr), nil, nil)
	require.NoError(t, err)

	require.Error(t, c.Connect(t.Context()))

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	testutil.WaitForChannel(t, done, testutil.DefaultTestTimeout, "Disconnect did not stop the reconnect loop")
	assert.False(t, c.IsConnected())
}
