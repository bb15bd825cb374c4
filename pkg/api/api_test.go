package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commune/pkg/federation"
	"commune/pkg/identity"
	"commune/pkg/local"
	"commune/pkg/store"
)

var (
	apiSelf   = "srv_" + strings.Repeat("a", 32)
	apiRemote = "srv_" + strings.Repeat("b", 32)
)

const apiSecret = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type testEnv struct {
	srv   *httptest.Server
	svc   *federation.Service
	store *store.Store
	dir   *local.Directory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenPath(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := local.NewDirectory()
	dir.SetUserCount(100)
	dir.AddChannel(federation.LocalChannel{ID: "chan-1", Name: "general", Users: 40})
	dir.AddChannel(federation.LocalChannel{ID: "chan-2", Name: "staff", Private: true})

	svc := federation.NewService(federation.Config{
		Self:              federation.SelfInfo{Identity: apiSelf, Name: "Alpha"},
		Enabled:           true,
		MaxPeers:          5,
		HeartbeatInterval: time.Hour,
		RequestExpiry:     24 * time.Hour,
		NotifyAttempts:    1,
	}, st, dir, local.NewPublisher(nil), nil)

	srv := httptest.NewServer(NewServer(svc, nil).Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, svc: svc, store: st, dir: dir}
}

func (e *testEnv) seedPeer(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.UpsertPeer(&store.PeerServer{
		Identity:       apiRemote,
		Name:           "Beta",
		HTTPEndpoint:   "http://beta.example:8420",
		SocketEndpoint: "ws://beta.example:8420/federation/v1/socket",
		SharedSecret:   apiSecret,
		Status:         store.PeerActive,
	}))
}

func postJSON(t *testing.T, url, token string, body interface{}) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(federation.TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestDiscovery(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/federation/v1/discovery")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info federation.DiscoveryInfo
	decodeInto(t, resp, &info)
	assert.Equal(t, apiSelf, info.Identity)
	assert.Equal(t, "Alpha", info.Name)
	assert.True(t, info.FederationEnabled)
	require.Len(t, info.Channels, 1, "private channels stay hidden")
	assert.Equal(t, "general", info.Channels[0].Name)
	assert.Equal(t, 100, info.Stats.Users)
}

func TestReceiveRequest(t *testing.T) {
	e := newTestEnv(t)

	payload := federation.RequestPayload{
		RequestID:      "req-api-1",
		Identity:       apiRemote,
		Name:           "Beta",
		HTTPEndpoint:   "http://beta.example:8420",
		SocketEndpoint: "ws://beta.example:8420/federation/v1/socket",
		ProposedSecret: apiSecret,
	}
	resp := postJSON(t, e.srv.URL+"/federation/v1/requests", "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rr federation.RequestResponse
	decodeInto(t, resp, &rr)
	assert.Equal(t, "req-api-1", rr.RequestID)
	assert.Equal(t, store.RequestPending, rr.Status)

	listResp, err := http.Get(e.srv.URL + "/api/v1/federation/requests")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var pending []store.FederationRequest
	decodeInto(t, listResp, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-api-1", pending[0].ID)
}

func TestReceiveRequest_MalformedBody(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Post(e.srv.URL+"/federation/v1/requests", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveFlow(t *testing.T) {
	e := newTestEnv(t)

	// The requester's server only needs to swallow the approval notice.
	approved := make(chan struct{}, 1)
	requester := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/approved") {
			approved <- struct{}{}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(requester.Close)

	payload := federation.RequestPayload{
		RequestID:      "req-api-2",
		Identity:       apiRemote,
		Name:           "Beta",
		HTTPEndpoint:   requester.URL,
		SocketEndpoint: "ws://beta.example:8420/federation/v1/socket",
		ProposedSecret: apiSecret,
	}
	resp := postJSON(t, e.srv.URL+"/federation/v1/requests", "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, e.srv.URL+"/api/v1/federation/requests/req-api-2/approve", "",
		map[string]string{"reviewed_by": "admin"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	select {
	case <-approved:
	case <-time.After(3 * time.Second):
		t.Fatal("requester never received the approval notice")
	}

	peersResp, err := http.Get(e.srv.URL + "/api/v1/federation/peers")
	require.NoError(t, err)
	var peers []map[string]interface{}
	decodeInto(t, peersResp, &peers)
	require.Len(t, peers, 1)
	assert.Equal(t, apiRemote, peers[0]["identity"])
	assert.Equal(t, string(store.PeerActive), peers[0]["status"])
	assert.NotContains(t, peers[0], "SharedSecret", "secret must never serialize")

	// A second approval of the same request is a conflict.
	resp = postJSON(t, e.srv.URL+"/api/v1/federation/requests/req-api-2/approve", "",
		map[string]string{"reviewed_by": "admin"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestRejectUnknownRequest(t *testing.T) {
	e := newTestEnv(t)

	resp := postJSON(t, e.srv.URL+"/api/v1/federation/requests/nope/reject", "",
		map[string]string{"reviewed_by": "admin", "reason": "no thanks"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisconnectNotice_Authentication(t *testing.T) {
	e := newTestEnv(t)
	e.seedPeer(t)

	notice := federation.DisconnectNotice{Identity: apiRemote, Reason: "maintenance"}

	// No token.
	resp := postJSON(t, e.srv.URL+"/federation/v1/disconnect", "", notice)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Token signed with the wrong secret.
	resp = postJSON(t, e.srv.URL+"/federation/v1/disconnect",
		identity.SignRequest(apiRemote, "deadbeef"), notice)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Valid token, but the notice names someone else.
	spoofed := federation.DisconnectNotice{Identity: apiSelf, Reason: "maintenance"}
	resp = postJSON(t, e.srv.URL+"/federation/v1/disconnect",
		identity.SignRequest(apiRemote, apiSecret), spoofed)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Valid token and matching identity.
	resp = postJSON(t, e.srv.URL+"/federation/v1/disconnect",
		identity.SignRequest(apiRemote, apiSecret), notice)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	peer, err := e.store.GetPeer(apiRemote)
	require.NoError(t, err)
	assert.Equal(t, store.PeerDisconnected, peer.Status)
}

func TestRemoveNotice_DeletesPeer(t *testing.T) {
	e := newTestEnv(t)
	e.seedPeer(t)

	resp := postJSON(t, e.srv.URL+"/federation/v1/remove",
		identity.SignRequest(apiRemote, apiSecret),
		federation.RemoveNotice{Identity: apiRemote})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	_, err := e.store.GetPeer(apiRemote)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSocket_RequiresToken(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/federation/v1/socket")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInitiate_RequiresEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp := postJSON(t, e.srv.URL+"/api/v1/federation/requests", "", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreview_UnreachablePeer(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/v1/federation/preview?endpoint=http://127.0.0.1:1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPeerRemove_Unknown(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+"/api/v1/federation/peers/"+apiRemote, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChannelSyncToggle(t *testing.T) {
	e := newTestEnv(t)
	e.seedPeer(t)

	fedID := "fch_00112233445566778899aabbccddeeff"
	require.NoError(t, e.store.UpsertFederatedChannel(&store.FederatedChannel{
		FederatedID:  fedID,
		Name:         "general",
		OriginServer: apiSelf,
	}))
	require.NoError(t, e.store.UpsertChannelServer(&store.ChannelServer{
		FederatedID:    fedID,
		PeerIdentity:   apiRemote,
		LocalChannelID: "beta-chan-9",
		SyncEnabled:    true,
	}))

	resp := postJSON(t, e.srv.URL+"/api/v1/federation/channels/"+fedID+"/sync", "",
		map[string]interface{}{"peer": apiRemote, "enabled": false})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	servers, err := e.store.ListChannelServers(fedID)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.False(t, servers[0].SyncEnabled)
}
