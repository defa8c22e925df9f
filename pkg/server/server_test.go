package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillframe/quill/pkg/config"
	"github.com/quillframe/quill/pkg/runtime"
	"github.com/quillframe/quill/pkg/ws"
)

func testServer(t *testing.T) (*httptest.Server, *runtime.Runtime, string) {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Server.DocumentRoot = root

	rt, err := runtime.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	srv := httptest.NewServer(New(rt).Handler())
	t.Cleanup(srv.Close)
	return srv, rt, root
}

func writeDoc(t *testing.T, root, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(src), 0o644))
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return b.String()
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", body(t, resp))
}

func TestRenderEndpoint(t *testing.T) {
	srv, _, root := testServer(t)
	writeDoc(t, root, "page.qml", `<q:component name="C"><h1>Hello {name}</h1></q:component>`)

	resp, err := http.Get(srv.URL + "/render/page.qml?name=Ada")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<h1>Hello Ada</h1>", body(t, resp))
}

func TestRenderMissingDocument(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/render/absent.qml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenderConfinesPathsToDocumentRoot(t *testing.T) {
	srv, _, root := testServer(t)

	// a file outside the root must not be reachable through dot-dot segments
	outside := filepath.Join(filepath.Dir(root), "secret.qml")
	require.NoError(t, os.WriteFile(outside, []byte(`<q:component name="C"><p>secret</p></q:component>`), 0o644))
	defer os.Remove(outside)

	resp, err := http.Get(srv.URL + "/render/" + url.PathEscape("../secret.qml"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestActionEndpointRedirect(t *testing.T) {
	srv, _, root := testServer(t)
	writeDoc(t, root, "form.qml", `<q:component name="C">
  <q:action name="save" method="post" redirect="/done?title={title}">
    <q:set name="saved" value="{title}" />
  </q:action>
  <form>page</form>
</q:component>`)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.PostForm(srv.URL+"/actions/save?doc=form.qml", url.Values{"title": {"hi"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/done?title=hi", resp.Header.Get("Location"))
}

func TestActionEndpointNoMatchRendersDocument(t *testing.T) {
	srv, _, root := testServer(t)
	writeDoc(t, root, "form.qml", `<q:component name="C">
  <q:action name="delete" method="post" redirect="/gone">
    <q:set name="x" value="1" />
  </q:action>
  <p>idle</p>
</q:component>`)

	resp, err := http.PostForm(srv.URL+"/actions/other?doc=form.qml", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<p>idle</p>", body(t, resp))
}

func TestActionEndpointRequiresDoc(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.PostForm(srv.URL+"/actions/save", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketBridgeEcho(t *testing.T) {
	srv, rt, _ := testServer(t)

	rt.Sockets().RegisterHandler("chat", ws.EventMessage, func(ctx context.Context, msg *ws.Message) error {
		return rt.Sockets().SendMessage(msg.ConnectionID, "echo:"+msg.Raw)
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(data))
}
