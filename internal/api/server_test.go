package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/identity"
	"securechat/internal/models"
	"securechat/internal/node"
	"securechat/internal/store"
	"securechat/internal/transport"
)

func startNode(t *testing.T, net *transport.MemoryNetwork, id string, profile *models.UserProfile) *node.Node {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	profiles := store.NewProfileStore(store.NewMemoryKV())
	if profile != nil {
		require.NoError(t, profiles.Save(context.Background(), *profile))
	}
	n, err := node.New(node.Options{
		Transport:    net.Join(transport.PeerID(id)),
		Identity:     ident,
		Profiles:     profiles,
		CheckTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-n.Done()
	})
	return n
}

func newServer(t *testing.T, n *node.Node) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(n, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestOnboardingFlow(t *testing.T) {
	net := transport.NewMemoryNetwork()
	srv := newServer(t, startNode(t, net, "a", nil))

	resp, body := do(t, "GET", srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, "POST", srv.URL+"/api/check-email", map[string]string{"email": "a@x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["taken"])

	resp, _ = do(t, "PUT", srv.URL+"/api/profile", map[string]string{"firstName": "A", "lastName": "B", "department": "C"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, "POST", srv.URL+"/api/profile", map[string]string{"firstName": "Alice", "email": "a@x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	profile := map[string]string{"firstName": "Alice", "lastName": "Archer", "email": "a@x", "department": "Eng"}
	resp, body = do(t, "POST", srv.URL+"/api/profile", profile)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "a@x", body["email"])
	assert.NotEmpty(t, body["publicKey"])

	resp, _ = do(t, "POST", srv.URL+"/api/profile", profile)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, "PUT", srv.URL+"/api/profile", map[string]string{"firstName": "Alicia", "lastName": "Archer", "department": "Research"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alicia", body["firstName"])
	assert.Equal(t, "a@x", body["email"])

	resp, body = do(t, "GET", srv.URL+"/api/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["onboarded"])
}

func TestMessagingEndpoints(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := startNode(t, net, "a", &models.UserProfile{FirstName: "Alice", LastName: "Archer", Email: "a@x", Department: "Eng"})
	b := startNode(t, net, "b", &models.UserProfile{FirstName: "Bob", LastName: "Baker", Email: "b@x", Department: "Ops"})
	srvA, srvB := newServer(t, a), newServer(t, b)

	require.Eventually(t, func() bool {
		sa, sb := a.Snapshot(), b.Snapshot()
		return len(sa.Roster) == 2 && len(sb.Roster) == 2 && len(sa.Connected) == 1 && len(sb.Connected) == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp, _ := do(t, "POST", srvA.URL+"/api/messages/broadcast", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, "POST", srvA.URL+"/api/messages/broadcast", map[string]string{"text": strings.Repeat("x", 300<<10)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, _ = do(t, "POST", srvA.URL+"/api/messages/private/nobody@x", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, "POST", srvA.URL+"/api/messages/private/b@x", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = do(t, "POST", srvA.URL+"/api/messages/broadcast", map[string]string{"text": "hello all"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		s := b.Snapshot()
		return len(s.Private["a@x"]) == 1 && len(s.Broadcast) == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp, body := do(t, "GET", srvB.URL+"/api/messages/private/a@x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["unread"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "Alice Archer • Eng", first["from"])
	assert.Equal(t, true, first["verified"])

	resp, body = do(t, "GET", srvB.URL+"/api/messages/broadcast", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = do(t, "POST", srvB.URL+"/api/focus", map[string]string{"email": "a@x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@x", body["focus"])
	assert.Empty(t, b.Snapshot().Unread)

	resp, body = do(t, "GET", srvB.URL+"/api/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = do(t, "GET", srvA.URL+"/api/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat := body["chat"].(map[string]any)
	assert.EqualValues(t, 1, chat["sent_private"])
	assert.EqualValues(t, 1, chat["sent_broadcast"])
}

func TestSnapshotStream(t *testing.T) {
	net := transport.NewMemoryNetwork()
	n := startNode(t, net, "a", nil)
	srv := newServer(t, n)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "snapshot", ev.Type)
	assert.False(t, ev.Data.Onboarded)

	require.NoError(t, n.Onboard(context.Background(), models.UserProfile{FirstName: "Alice", LastName: "Archer", Email: "a@x", Department: "Eng"}))
	for !ev.Data.Onboarded {
		require.NoError(t, conn.ReadJSON(&ev))
	}
	assert.Equal(t, "a@x", ev.Data.Profile.Email)
}
