package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/reflexcore/internal/transport"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

type inbox struct {
	mu       sync.Mutex
	whispers []string
	roster   []protocol.Member
}

func (i *inbox) HandleWhisper(_ context.Context, from string, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.whispers = append(i.whispers, from+": "+string(payload))
}

func (i *inbox) HandleRoster(members []protocol.Member) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.roster = members
}

func (i *inbox) got() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.whispers...)
}

func (i *inbox) members() []protocol.Member {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.roster
}

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer()
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func startClient(t *testing.T, url, name string) (*Client, *inbox) {
	t.Helper()
	c := NewClient(url, name, transport.Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	in := &inbox{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, in)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, in
}

func rosterNames(members []protocol.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

func TestRelay_RoutesWhispers(t *testing.T) {
	srv, url := startRelay(t)
	a, ia := startClient(t, url, "A")
	_, ib := startClient(t, url, "B")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"A", "B"}, rosterNames(ia.members()))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, rosterNames(srv.Roster()))

	payload := `{"type":"INITIATE_CONNECTION","senderName":"A"}`
	require.NoError(t, a.Send(context.Background(), "B", []byte(payload)))
	require.Eventually(t, func() bool { return len(ib.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A: "+payload, ib.got()[0])
}

func TestRelay_FramedWhispers(t *testing.T) {
	_, url := startRelay(t)
	backoff := transport.Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	a := transport.Framed(NewClient(url, "A", backoff), "k")
	b := transport.Framed(NewClient(url, "B", backoff), "k")

	ia, ib := &inbox{}, &inbox{}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(){
		func() { a.Run(ctx, ia) },
		func() { b.Run(ctx, ib) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run()
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool { return len(ia.members()) == 2 }, 2*time.Second, 10*time.Millisecond)

	payload := `{"type":"INITIATE_CONNECTION","senderName":"A"}`
	require.NoError(t, a.Send(context.Background(), "B", []byte(payload)))
	require.Eventually(t, func() bool { return len(ib.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A: "+payload, ib.got()[0])
}

func TestRelay_PresenceAndLeave(t *testing.T) {
	_, url := startRelay(t)
	_, ia := startClient(t, url, "A")

	b := NewClient(url, "B", transport.Backoff{BaseDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, &inbox{})
	}()

	require.Eventually(t, func() bool { return len(ia.members()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.SetInGame(context.Background(), false) == nil }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]protocol.Member{{Name: "A", InGame: true}, {Name: "B", InGame: false}}, ia.members())
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"A"}, rosterNames(ia.members()))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "A", transport.Backoff{})
	assert.ErrorIs(t, c.Send(context.Background(), "B", []byte("x")), ErrNotConnected)
}

// rawConn talks to the relay without the client, to check protocol errors.
func rawConn(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestRelay_ProtocolErrors(t *testing.T) {
	_, url := startRelay(t)
	conn := rawConn(t, url)

	// Whisper before hello.
	require.NoError(t, conn.WriteJSON(protocol.NewWhisper("1", "X", "B", []byte(`{}`))))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EnvelopeError, env.Kind)
	assert.Equal(t, protocol.ErrNotRegistered, env.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.ErrInvalidEnvelope, env.Error.Code)

	require.NoError(t, conn.WriteJSON(protocol.Envelope{Version: 1, Kind: protocol.EnvelopeHello, From: "X"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.EnvelopeRoster, env.Kind)

	require.NoError(t, conn.WriteJSON(protocol.NewWhisper("2", "X", "nobody", []byte(`{}`))))
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.ErrUnknownPeer, env.Error.Code)

	// Name already registered.
	other := rawConn(t, url)
	require.NoError(t, other.WriteJSON(protocol.Envelope{Version: 1, Kind: protocol.EnvelopeHello, From: "X"}))
	env = readEnvelope(t, other)
	assert.Equal(t, protocol.ErrNameTaken, env.Error.Code)
}

func TestRelay_SenderNameIsRegisteredName(t *testing.T) {
	_, url := startRelay(t)
	_, ib := startClient(t, url, "B")
	require.Eventually(t, func() bool { return len(ib.members()) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn := rawConn(t, url)
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Version: 1, Kind: protocol.EnvelopeHello, From: "X"}))
	readEnvelope(t, conn)
	require.NoError(t, conn.WriteJSON(protocol.NewWhisper("1", "spoofed", "B", []byte(`{"n":1}`))))

	require.Eventually(t, func() bool { return len(ib.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `X: {"n":1}`, ib.got()[0])
}
