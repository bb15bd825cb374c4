package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commune/pkg/identity"
	"commune/pkg/registry"
	"commune/pkg/store"
	"commune/pkg/wire"
)

const testSecret = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func newTestManager(t *testing.T, heartbeat time.Duration) (*Manager, *registry.Registry) {
	t.Helper()
	st, err := store.OpenPath(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st, 0, nil)
	self := SelfInfo{Identity: selfIdentity, Name: "Alpha"}
	return NewManager(self, reg, heartbeat, nil), reg
}

func seedPeer(t *testing.T, reg *registry.Registry, socketEndpoint string, isInitiator bool) {
	t.Helper()
	require.NoError(t, reg.Upsert(&store.PeerServer{
		Identity:       remoteIdentity,
		Name:           "Beta",
		HTTPEndpoint:   "http://beta.example:8420",
		SocketEndpoint: socketEndpoint,
		SharedSecret:   testSecret,
		Status:         store.PeerActive,
		IsInitiator:    isInitiator,
	}))
}

func TestAuthenticate(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)
	seedPeer(t, reg, "ws://beta.example/socket", false)

	token := identity.SignRequest(remoteIdentity, testSecret)
	got, err := m.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, remoteIdentity, got)
}

func TestAuthenticate_Failures(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)
	seedPeer(t, reg, "ws://beta.example/socket", false)

	// Wrong secret.
	_, err := m.Authenticate(identity.SignRequest(remoteIdentity, "deadbeef"))
	assert.ErrorIs(t, err, ErrAuthFailed)

	// Unknown peer.
	unknown := "srv_" + strings.Repeat("e", 32)
	_, err = m.Authenticate(identity.SignRequest(unknown, testSecret))
	assert.ErrorIs(t, err, ErrAuthFailed)

	// Garbage token.
	_, err = m.Authenticate("not-a-token")
	assert.ErrorIs(t, err, ErrAuthFailed)

	// Suspended peer.
	require.NoError(t, reg.SetStatus(remoteIdentity, store.PeerSuspended))
	_, err = m.Authenticate(identity.SignRequest(remoteIdentity, testSecret))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestConnect_HandshakeAndSend(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)

	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(TokenHeader)
		if err := identity.VerifyToken(token, selfIdentity, testSecret); err != nil {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				_, frame, err := ws.ReadMessage()
				if err != nil {
					return
				}
				received <- frame
			}
		}()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	seedPeer(t, reg, wsURL, true)

	require.NoError(t, m.Connect(remoteIdentity))
	assert.True(t, m.Connected(remoteIdentity))

	hb := &wire.Heartbeat{Identity: selfIdentity, Timestamp: time.Now().UTC()}
	require.NoError(t, m.Send(remoteIdentity, wire.EventHeartbeat, hb))

	select {
	case frame := <-received:
		env, err := wire.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, wire.EventHeartbeat, env.Type)
		assert.Equal(t, selfIdentity, env.From)
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received the heartbeat frame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
	assert.False(t, m.Connected(remoteIdentity))
}

func TestConnect_RejectedToken(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	seedPeer(t, reg, wsURL, true)

	err := m.Connect(remoteIdentity)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, m.Connected(remoteIdentity))
}

func TestSend_NotConnected(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)
	seedPeer(t, reg, "ws://beta.example/socket", false)

	err := m.Send(remoteIdentity, wire.EventHeartbeat, &wire.Heartbeat{Identity: selfIdentity, Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandleFrame_HeartbeatRecordsLiveness(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)
	seedPeer(t, reg, "ws://beta.example/socket", false)

	frame, err := wire.Encode(wire.EventHeartbeat, remoteIdentity,
		&wire.Heartbeat{Identity: remoteIdentity, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	before := time.Now().Add(-time.Second)
	m.handleFrame(remoteIdentity, frame)

	peer, err := reg.FindByIdentity(remoteIdentity)
	require.NoError(t, err)
	assert.True(t, peer.LastHeartbeat.After(before), "heartbeat must stamp last-seen time")
}

func TestHandleFrame_RejectsSpoofedSender(t *testing.T) {
	m, reg := newTestManager(t, time.Hour)
	seedPeer(t, reg, "ws://beta.example/socket", false)

	other := "srv_" + strings.Repeat("f", 32)
	frame, err := wire.Encode(wire.EventHeartbeat, other,
		&wire.Heartbeat{Identity: other, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	m.handleFrame(remoteIdentity, frame)

	peer, err := reg.FindByIdentity(remoteIdentity)
	require.NoError(t, err)
	assert.True(t, peer.LastHeartbeat.IsZero(), "spoofed frame must be dropped")
}

func TestSweep_MarksSilentPeerDisconnected(t *testing.T) {
	interval := 30 * time.Second
	m, reg := newTestManager(t, interval)
	seedPeer(t, reg, "ws://beta.example/socket", false)

	// Last heartbeat well past the 3x cutoff.
	require.NoError(t, reg.RecordHeartbeat(remoteIdentity, time.Now().Add(-10*interval)))

	m.sweepOnce()

	peer, err := reg.FindByIdentity(remoteIdentity)
	require.NoError(t, err)
	assert.Equal(t, store.PeerDisconnected, peer.Status)
}

func TestSweep_SilentInitiatorPeerRedials(t *testing.T) {
	interval := 30 * time.Second
	m, reg := newTestManager(t, interval)

	dialed := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		http.Error(w, "not yet", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	seedPeer(t, reg, wsURL, true)
	require.NoError(t, reg.RecordHeartbeat(remoteIdentity, time.Now().Add(-10*interval)))

	m.sweepOnce()

	peer, err := reg.FindByIdentity(remoteIdentity)
	require.NoError(t, err)
	assert.Equal(t, store.PeerDisconnected, peer.Status)

	// This side initiated the federation, so it owns the re-dial.
	select {
	case <-dialed:
	case <-time.After(5 * time.Second):
		t.Fatal("silent initiator-owned peer was never re-dialed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
}

func TestSweep_LeavesFreshPeerAlone(t *testing.T) {
	interval := 30 * time.Second
	m, reg := newTestManager(t, interval)
	seedPeer(t, reg, "ws://beta.example/socket", false)
	require.NoError(t, reg.RecordHeartbeat(remoteIdentity, time.Now()))

	m.sweepOnce()

	peer, err := reg.FindByIdentity(remoteIdentity)
	require.NoError(t, err)
	assert.Equal(t, store.PeerActive, peer.Status)
}
