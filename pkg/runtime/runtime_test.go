package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillframe/quill/pkg/config"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRenderSourceComponent(t *testing.T) {
	rt := newRuntime(t)

	src := `<q:component name="C">
  <q:set name="x" value="1" />
  <q:set name="x" value="{x + 2}" />
  <p>{x}</p>
</q:component>`
	out, err := rt.RenderSource(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>3</p>", out)
}

func TestRenderSourceWithVars(t *testing.T) {
	rt := newRuntime(t)

	out, err := rt.RenderSource(context.Background(),
		`<q:component name="C"><span>{name}</span></q:component>`,
		map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "<span>Ada</span>", out)
}

func TestRenderApplicationPicksMainComponent(t *testing.T) {
	rt := newRuntime(t)

	src := `<q:application id="demo" type="html">
  <q:component name="sidebar">
    <nav>side</nav>
  </q:component>
  <q:component name="main">
    <h1>home</h1>
  </q:component>
</q:application>`
	out, err := rt.RenderSource(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, "<h1>home</h1>", out)

	app, ok := rt.Application("demo")
	require.True(t, ok)
	assert.Len(t, app.Components, 2)
}

func TestRenderFileUsesCache(t *testing.T) {
	rt := newRuntime(t)

	path := filepath.Join(t.TempDir(), "page.qml")
	src := `<q:component name="C"><p>cached</p></q:component>`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	out, err := rt.RenderFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>cached</p>", out)

	_, err = rt.RenderFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rt.Cache().Stats().Hits, int64(1))
}

func TestRenderFileMissing(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.RenderFile(context.Background(), filepath.Join(t.TempDir(), "absent.qml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read document")
}

func TestRenderSourceParseError(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.RenderSource(context.Background(), `<q:component name="C"><q:set`, nil)
	require.Error(t, err)
}

func TestExecuteActionRedirect(t *testing.T) {
	rt := newRuntime(t)

	path := filepath.Join(t.TempDir(), "form.qml")
	src := `<q:component name="C">
  <q:action name="save" method="post" redirect="/done?title={title}">
    <q:set name="saved" value="{title}" />
  </q:action>
  <form>page</form>
</q:component>`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	outcome, err := rt.ExecuteAction(context.Background(), path, signal{
		name:   "save",
		method: "post",
		params: map[string]any{"title": "hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/done?title=hi", outcome.Redirect)
	assert.Contains(t, outcome.HTML, "<form>page</form>")
}

func TestExecuteActionNoMatchLeavesRedirectEmpty(t *testing.T) {
	rt := newRuntime(t)

	path := filepath.Join(t.TempDir(), "form.qml")
	src := `<q:component name="C">
  <q:action name="save" method="post" redirect="/done">
    <q:set name="saved" value="1" />
  </q:action>
  <p>idle</p>
</q:component>`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	outcome, err := rt.ExecuteAction(context.Background(), path, signal{name: "other", method: "post"}, nil)
	require.NoError(t, err)
	assert.Empty(t, outcome.Redirect)
	assert.Equal(t, "<p>idle</p>", outcome.HTML)
}

func TestDatasourceFromConfigServesQueries(t *testing.T) {
	cfg := config.Default()
	cfg.Datasources["main"] = &config.DatasourceConfig{
		Type:       "sqlite",
		Attributes: map[string]string{"path": ":memory:"},
	}
	rt, err := New(cfg)
	require.NoError(t, err)
	defer rt.Close()

	src := `<q:component name="C">
  <q:query name="r" datasource="main">SELECT 1 AS one</q:query>
  <p>{r.recordCount}</p>
</q:component>`
	out, err := rt.RenderSource(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>1</p>", out)
}

type signal struct {
	name   string
	method string
	params map[string]any
}

func (s signal) Matches(name, method string) bool {
	return name == s.name && (method == "" || method == s.method)
}

func (s signal) FormParams() map[string]any { return s.params }
