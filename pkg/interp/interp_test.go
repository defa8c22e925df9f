package interp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/database"
	"github.com/quillframe/quill/pkg/scope"
)

func execNodes(t *testing.T, in *Interpreter, nodes []ast.Node, vars map[string]any) (string, *scope.Context, error) {
	t.Helper()
	sc := scope.NewWith(vars)
	out, err := in.Execute(context.Background(), nodes, sc)
	return out, sc, err
}

func text(s string) ast.Node { return &ast.TextNode{Text: s} }

func el(tag string, children ...ast.Node) ast.Node {
	return &ast.HTMLNode{Tag: tag, Children: children}
}

func TestCounterIncrement(t *testing.T) {
	nodes := []ast.Node{
		&ast.SetNode{Name: "x", Value: "1"},
		&ast.SetNode{Name: "x", Value: "{x + 2}"},
		el("p", text("{x}")),
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>3</p>", out)
}

func TestSetOperations(t *testing.T) {
	tests := []struct {
		name    string
		initial any
		op      ast.SetOperation
		value   string
		want    any
	}{
		{"assign", nil, ast.SetAssign, "hello", "hello"},
		{"add", int64(2), ast.SetAdd, "3", int64(5)},
		{"add defaults to zero", nil, ast.SetAdd, "3", int64(3)},
		{"subtract", int64(10), ast.SetSubtract, "4", int64(6)},
		{"multiply", int64(3), ast.SetMultiply, "4", int64(12)},
		{"multiply defaults to one", nil, ast.SetMultiply, "4", int64(4)},
		{"divide even", int64(6), ast.SetDivide, "2", int64(3)},
		{"divide uneven", int64(7), ast.SetDivide, "2", 3.5},
		{"float add", 1.5, ast.SetAdd, "1", 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := map[string]any{}
			if tt.initial != nil {
				vars["x"] = tt.initial
			}
			nodes := []ast.Node{&ast.SetNode{Name: "x", Value: tt.value, Operation: tt.op}}
			_, sc, err := execNodes(t, New(), nodes, vars)
			require.NoError(t, err)
			got, ok := sc.Get("x")
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetDivideByZero(t *testing.T) {
	nodes := []ast.Node{
		&ast.SetNode{Name: "x", Value: "0", Operation: ast.SetDivide},
		text("after"),
	}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"x": int64(5)})
	assert.Error(t, err)
	assert.Contains(t, out, "<!-- RenderError:")
	assert.Contains(t, out, "after") // execution continues past the broken statement
}

func TestSetInsideLoopMutatesOuterVariable(t *testing.T) {
	nodes := []ast.Node{
		&ast.SetNode{Name: "total", Value: "0"},
		&ast.LoopNode{
			Var: "i", From: "1", To: "4",
			Body: []ast.Node{
				&ast.SetNode{Name: "total", Value: "{i}", Operation: ast.SetAdd},
			},
		},
		text("{total}"),
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "10", out)
}

func TestIfBranches(t *testing.T) {
	node := &ast.IfNode{
		Condition: "x > 10",
		Then:      []ast.Node{text("big")},
		ElseIfs: []ast.ElseIfBranch{
			{Condition: "x > 5", Then: []ast.Node{text("medium")}},
		},
		Else: []ast.Node{text("small")},
	}
	tests := []struct {
		x    int64
		want string
	}{
		{20, "big"},
		{7, "medium"},
		{1, "small"},
	}
	for _, tt := range tests {
		out, _, err := execNodes(t, New(), []ast.Node{node}, map[string]any{"x": tt.x})
		require.NoError(t, err)
		assert.Equal(t, tt.want, out)
	}
}

func TestIfConditionFailureRendersComment(t *testing.T) {
	nodes := []ast.Node{
		&ast.IfNode{Condition: "x +", Then: []ast.Node{text("yes")}},
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(out, "<!--"), "output was %q", out)
}

func TestLoopRangeInclusive(t *testing.T) {
	nodes := []ast.Node{
		&ast.LoopNode{Var: "i", From: "1", To: "3", Body: []ast.Node{text("{i}")}},
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "123", out)
}

func TestLoopRangeStepAndDescending(t *testing.T) {
	t.Run("step", func(t *testing.T) {
		nodes := []ast.Node{
			&ast.LoopNode{Var: "i", From: "0", To: "10", Step: "5", Body: []ast.Node{text("{i},")}},
		}
		out, _, err := execNodes(t, New(), nodes, nil)
		require.NoError(t, err)
		assert.Equal(t, "0,5,10,", out)
	})
	t.Run("descending", func(t *testing.T) {
		nodes := []ast.Node{
			&ast.LoopNode{Var: "i", From: "3", To: "1", Step: "-1", Body: []ast.Node{text("{i}")}},
		}
		out, _, err := execNodes(t, New(), nodes, nil)
		require.NoError(t, err)
		assert.Equal(t, "321", out)
	})
}

func TestLoopOverQueryData(t *testing.T) {
	users := map[string]any{
		"success": true,
		"data": []any{
			map[string]any{"id": int64(1), "name": "A"},
			map[string]any{"id": int64(2), "name": "B"},
		},
	}
	nodes := []ast.Node{
		&ast.LoopNode{Var: "u", Items: "{users.data}", Body: []ast.Node{el("li", text("{u.name}"))}},
	}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"users": users})
	require.NoError(t, err)
	assert.Equal(t, "<li>A</li><li>B</li>", out)
}

func TestLoopDereferencesQueryResult(t *testing.T) {
	// passing the whole result iterates its data rows
	users := map[string]any{"data": []any{map[string]any{"name": "A"}}}
	nodes := []ast.Node{
		&ast.LoopNode{Var: "u", Items: "{users}", Body: []ast.Node{text("{u.name}")}},
	}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"users": users})
	require.NoError(t, err)
	assert.Equal(t, "A", out)
}

func TestLoopVariables(t *testing.T) {
	nodes := []ast.Node{
		&ast.LoopNode{Var: "item", Items: "{list}", Body: []ast.Node{
			text("{item_index}/{item_count}:{item} "),
		}},
	}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"list": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "0/2:a 1/2:b ", out)
}

func TestLoopFrameIsInvisibleAfterwards(t *testing.T) {
	nodes := []ast.Node{
		&ast.LoopNode{Var: "i", From: "1", To: "1", Body: []ast.Node{text("{i}")}},
	}
	_, sc, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	_, ok := sc.Get("i")
	assert.False(t, ok)
}

func TestFunctionCallWithResult(t *testing.T) {
	nodes := []ast.Node{
		&ast.FunctionNode{
			Name: "add",
			Params: []*ast.ParamNode{
				{Name: "a", Type: "int", Required: true},
				{Name: "b", Type: "int", Default: "10"},
			},
			Body: []ast.Node{&ast.ReturnNode{Value: "{a + b}"}},
		},
		&ast.FunctionCallNode{Name: "add", Args: map[string]string{"a": "2", "b": "3"}, Result: "sum"},
		&ast.FunctionCallNode{Name: "add", Args: map[string]string{"a": "5"}, Result: "withDefault"},
	}
	out, sc, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	sum, _ := sc.Get("sum")
	assert.Equal(t, int64(5), sum)
	withDefault, _ := sc.Get("withDefault")
	assert.Equal(t, int64(15), withDefault)
}

func TestFunctionCallEmitsReturnValue(t *testing.T) {
	nodes := []ast.Node{
		&ast.FunctionNode{Name: "greet", Params: []*ast.ParamNode{{Name: "who"}},
			Body: []ast.Node{&ast.ReturnNode{Value: "hello {who}"}}},
		&ast.FunctionCallNode{Name: "greet", Args: map[string]string{"who": "world"}},
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestFunctionMissingRequiredParam(t *testing.T) {
	nodes := []ast.Node{
		&ast.FunctionNode{Name: "f", Params: []*ast.ParamNode{{Name: "a", Required: true}},
			Body: []ast.Node{text("body")}},
		&ast.FunctionCallNode{Name: "f"},
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	assert.Error(t, err)
	assert.Contains(t, out, "required parameter")
}

func TestUnknownFunctionRendersComment(t *testing.T) {
	nodes := []ast.Node{
		&ast.FunctionCallNode{Name: "nope"},
		text("next"),
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	assert.Error(t, err)
	assert.Contains(t, out, `<!-- RenderError: render call: unknown function "nope" -->next`)
}

func TestFunctionFrameDoesNotLeak(t *testing.T) {
	nodes := []ast.Node{
		&ast.FunctionNode{Name: "f", Body: []ast.Node{
			&ast.SetNode{Name: "inner", Value: "1"},
			&ast.ReturnNode{Value: "done"},
		}},
		&ast.FunctionCallNode{Name: "f", Result: "r"},
	}
	_, sc, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	_, ok := sc.Get("inner")
	assert.False(t, ok)
}

func TestVoidElementsSelfClose(t *testing.T) {
	nodes := []ast.Node{
		&ast.HTMLNode{Tag: "br"},
		&ast.HTMLNode{Tag: "img", Attributes: map[string]string{"src": "{pic}"}},
	}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"pic": "a.png"})
	require.NoError(t, err)
	assert.Equal(t, `<br /><img src="a.png" />`, out)
}

func TestHTMLAttributeBindingAndOrder(t *testing.T) {
	nodes := []ast.Node{
		&ast.HTMLNode{Tag: "div", Attributes: map[string]string{"id": "x{n}", "class": "c"},
			Children: []ast.Node{text("body")}},
	}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"n": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, `<div class="c" id="x2">body</div>`, out)
}

type fakeDB struct {
	lastSQL string
	result  database.QueryResult
}

func (f *fakeDB) ExecuteQuery(ctx context.Context, datasourceID, sqlText string, params []any, maxRows, timeoutSec int) database.QueryResult {
	f.lastSQL = sqlText
	return f.result
}

func TestQueryStoresResultAndResolvesSQL(t *testing.T) {
	db := &fakeDB{result: database.QueryResult{
		Success:     true,
		Data:        []map[string]any{{"name": "A"}, {"name": "B"}},
		RecordCount: 2,
	}}
	in := New(WithDatabase(db))

	nodes := []ast.Node{
		&ast.SetNode{Name: "min", Value: "18"},
		&ast.QueryNode{Name: "users", Datasource: "main", SQL: "SELECT * FROM users WHERE age > {min}"},
		&ast.LoopNode{Var: "u", Items: "{users.data}", Body: []ast.Node{el("li", text("{u.name}"))}},
	}
	out, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE age > 18", db.lastSQL)
	assert.Equal(t, "<li>A</li><li>B</li>", out)

	stored, _ := sc.Get("users")
	result := stored.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, int64(2), result["recordCount"])
}

func TestQueryWithoutDatabaseCapturesError(t *testing.T) {
	nodes := []ast.Node{&ast.QueryNode{Name: "q", Datasource: "main", SQL: "SELECT 1"}}
	out, sc, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	stored, _ := sc.Get("q")
	result := stored.(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "no database service")
}

type fakeAction struct {
	name   string
	method string
	params map[string]any
}

func (f *fakeAction) Matches(name, method string) bool {
	return name == f.name && (f.method == "" || method == "" || strings.EqualFold(method, f.method))
}

func (f *fakeAction) FormParams() map[string]any { return f.params }

func TestActionNode(t *testing.T) {
	signal := &fakeAction{name: "save", method: "post", params: map[string]any{"title": "hi"}}
	in := New(WithActionSignal(signal))

	nodes := []ast.Node{
		&ast.ActionNode{Name: "save", Method: "post", Redirect: "/done?title={title}",
			Body: []ast.Node{text("saved:{title}")}},
		&ast.ActionNode{Name: "delete", Body: []ast.Node{text("never")}},
	}
	out, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "saved:hi", out)

	redirect, _ := sc.Get("__redirect__")
	assert.Equal(t, "/done?title=hi", redirect)
}

func TestActionSkippedWithoutSignal(t *testing.T) {
	nodes := []ast.Node{&ast.ActionNode{Name: "save", Body: []ast.Node{text("never")}}}
	out, _, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDumpJSONWithDepthAndCycles(t *testing.T) {
	inner := map[string]any{"deep": map[string]any{"deeper": map[string]any{"deepest": "x"}}}
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	t.Run("depth limit", func(t *testing.T) {
		nodes := []ast.Node{&ast.DumpNode{Var: "v", Format: "json", Depth: 2}}
		out, _, err := execNodes(t, New(), nodes, map[string]any{"v": inner})
		require.NoError(t, err)
		assert.Contains(t, out, "…")
		assert.NotContains(t, out, "deepest")
	})
	t.Run("cycle detection", func(t *testing.T) {
		nodes := []ast.Node{&ast.DumpNode{Var: "v", Format: "json"}}
		out, _, err := execNodes(t, New(), nodes, map[string]any{"v": cyclic})
		require.NoError(t, err)
		assert.Contains(t, out, "<circular>")
	})
}

func TestDumpHTMLEscapes(t *testing.T) {
	nodes := []ast.Node{&ast.DumpNode{Var: "v", Label: "<script>"}}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"v": "<b>"})
	require.NoError(t, err)
	assert.Contains(t, out, `<pre class="dump">`)
	assert.Contains(t, out, "&lt;script&gt;")
	assert.NotContains(t, out, "<script>")
}

func TestDumpText(t *testing.T) {
	nodes := []ast.Node{&ast.DumpNode{Var: "v", Format: "text"}}
	out, _, err := execNodes(t, New(), nodes, map[string]any{"v": map[string]any{"a": int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, "v = {\n  a: 1\n}", out)
}

func TestRenderComponentThroughApplication(t *testing.T) {
	app := &ast.ApplicationNode{ID: "demo", Datasources: map[string]*ast.DatasourceNode{}}
	comp := &ast.ComponentNode{Name: "C", Statements: []ast.Node{
		&ast.SetNode{Name: "x", Value: "1"},
		&ast.SetNode{Name: "x", Value: "{x + 2}"},
		el("p", text("{x}")),
	}}
	out, err := New().Render(context.Background(), app, comp, nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>3</p>", out)
}

func TestTopLevelReturnStopsExecution(t *testing.T) {
	nodes := []ast.Node{
		text("before"),
		&ast.ReturnNode{Value: "x"},
		text("after"),
	}
	out, _, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "before", out)
}
