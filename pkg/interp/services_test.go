package interp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/broker"
	"github.com/quillframe/quill/pkg/jobs"
	"github.com/quillframe/quill/pkg/llms"
	"github.com/quillframe/quill/pkg/persist"
	"github.com/quillframe/quill/pkg/ws"
)

type fakeMailer struct {
	sent []string
	err  error
}

func (f *fakeMailer) SendEmail(ctx context.Context, to, subject, body string, opts MailOptions) error {
	f.sent = append(f.sent, to)
	return f.err
}

func TestMailResultCapture(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		mailer := &fakeMailer{}
		in := New(WithMailer(mailer))
		nodes := []ast.Node{
			&ast.SetNode{Name: "addr", Value: "a@b.c"},
			&ast.MailNode{To: "{addr}", Subject: "hi", Body: "text", ResultVar: "m"},
		}
		_, sc, err := execNodes(t, in, nodes, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a@b.c"}, mailer.sent)

		stored, _ := sc.Get("m")
		assert.Equal(t, true, stored.(map[string]any)["success"])
	})
	t.Run("failure captured", func(t *testing.T) {
		in := New(WithMailer(&fakeMailer{err: fmt.Errorf("smtp down")}))
		nodes := []ast.Node{&ast.MailNode{To: "a@b.c", ResultVar: "m"}}
		_, sc, err := execNodes(t, in, nodes, nil)
		require.NoError(t, err)

		stored, _ := sc.Get("m")
		result := stored.(map[string]any)
		assert.Equal(t, false, result["success"])
		assert.Contains(t, result["error"], "smtp down")
	})
	t.Run("no sink renders comment", func(t *testing.T) {
		in := New(WithMailer(&fakeMailer{err: fmt.Errorf("smtp down")}))
		out, _, err := execNodes(t, in, []ast.Node{&ast.MailNode{To: "a@b.c"}}, nil)
		assert.Error(t, err)
		assert.Contains(t, out, "smtp down")
	})
}

func connectedBroker(t *testing.T) *broker.MemoryBroker {
	t.Helper()
	b := broker.NewMemoryBroker()
	require.NoError(t, b.Connect(nil))
	t.Cleanup(func() { b.Disconnect() })
	return b
}

func TestMessagePublishStoresResult(t *testing.T) {
	in := New(WithBroker(connectedBroker(t)))
	nodes := []ast.Node{
		&ast.MessageNode{Name: "m", Type: "publish", Topic: "orders.created", Body: "{payload}",
			Headers: []*ast.MessageHeaderNode{{Name: "kind", Value: "test"}}},
	}
	_, sc, err := execNodes(t, in, nodes, map[string]any{"payload": "hello"})
	require.NoError(t, err)

	stored, _ := sc.Get("m")
	result := stored.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.NotEmpty(t, result["message_id"])
}

func TestMessageRequestTimeoutCaptured(t *testing.T) {
	b := connectedBroker(t)
	require.NoError(t, b.DeclareQueue("rpc", broker.QueueOptions{}))
	in := New(WithBroker(b))

	nodes := []ast.Node{
		&ast.MessageNode{Name: "m", Type: "request", Queue: "rpc", Body: "ping", Timeout: 50},
	}
	_, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("m")
	result := stored.(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "timed out")
}

func TestSubscribeHandlerRunsPerDelivery(t *testing.T) {
	b := connectedBroker(t)
	require.NoError(t, b.DeclareQueue("out", broker.QueueOptions{}))
	in := New(WithBroker(b))

	nodes := []ast.Node{
		&ast.SubscribeNode{Topic: "payments.*", Handler: []ast.Node{
			&ast.MessageNode{Type: "send", Queue: "out", Body: "{message.body}"},
		}},
	}
	_, _, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish("payments.completed", &broker.Message{Body: "done"}))
	require.NoError(t, b.Publish("orders.created", &broker.Message{Body: "ignored"}))

	require.Eventually(t, func() bool {
		info, err := b.GetQueueInfo("out")
		return err == nil && info.MessageCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueOperations(t *testing.T) {
	in := New(WithBroker(connectedBroker(t)))
	nodes := []ast.Node{
		&ast.QueueNode{Name: "tasks", Operation: "declare", Durable: true},
		&ast.QueueNode{Name: "tasks", Operation: "info", Result: "info"},
	}
	_, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("info")
	info := stored.(map[string]any)
	assert.Equal(t, true, info["success"])
	assert.Equal(t, "tasks", info["name"])
	assert.Equal(t, int64(0), info["message_count"])
}

func TestAckOutsideHandlerFails(t *testing.T) {
	in := New(WithBroker(connectedBroker(t)))
	out, _, err := execNodes(t, in, []ast.Node{&ast.MessageAckNode{}}, nil)
	assert.Error(t, err)
	assert.Contains(t, out, "subscribe handler")
}

func TestScheduleRegistersAndHonorsEnabled(t *testing.T) {
	sched := jobs.NewScheduler()
	sched.Start()
	defer sched.Stop()
	in := New(WithScheduler(sched))

	nodes := []ast.Node{
		&ast.ScheduleNode{Name: "tick", Interval: "30s", Enabled: true, Body: []ast.Node{text("x")}},
		&ast.ScheduleNode{Name: "paused", Interval: "1m", Enabled: false, Body: []ast.Node{text("x")}},
	}
	_, _, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	byName := map[string]bool{}
	for _, info := range sched.List() {
		byName[info.Name] = info.Enabled
	}
	assert.True(t, byName["tick"])
	assert.False(t, byName["paused"])
}

func TestThreadExecutesBodyDetached(t *testing.T) {
	threads := jobs.NewThreadService(2)
	defer threads.Shutdown()
	in := New(WithThreads(threads))

	nodes := []ast.Node{&ast.ThreadNode{Name: "work", Body: []ast.Node{text("hello {x}")}}}
	_, _, err := execNodes(t, in, nodes, map[string]any{"x": int64(1)})
	require.NoError(t, err)

	result, err := threads.Join("work", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello 1", result)
}

func TestJobDispatchStoresJobID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	queue, err := jobs.NewJobQueue(db, "sqlite")
	require.NoError(t, err)
	in := New(WithJobQueue(queue))

	nodes := []ast.Node{
		&ast.JobNode{Name: "send-report", Queue: "reports", Params: map[string]string{"month": "{m}"},
			MaxAttempts: 3, Backoff: "5s", Result: "job"},
	}
	_, sc, err := execNodes(t, in, nodes, map[string]any{"m": "july"})
	require.NoError(t, err)

	stored, _ := sc.Get("job")
	result := stored.(map[string]any)
	require.Equal(t, true, result["success"])

	job, err := queue.Get(context.Background(), result["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "send-report", job.Name)
	assert.Equal(t, "july", job.Params["month"])
}

func TestJobWithoutQueueCapturesError(t *testing.T) {
	nodes := []ast.Node{&ast.JobNode{Name: "j", Result: "job"}}
	_, sc, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("job")
	assert.Equal(t, false, stored.(map[string]any)["success"])
}

func TestWebSocketHandlersDispatch(t *testing.T) {
	t.Run("targeted send reaches only the triggering connection", func(t *testing.T) {
		sockets := ws.NewService()
		in := New(WithSockets(sockets))

		nodes := []ast.Node{
			&ast.WebSocketNode{Name: "chat", Handlers: []*ast.WebSocketHandlerNode{
				{Event: "connect", Body: []ast.Node{
					&ast.WebSocketSendNode{Connection: "{connection.id}", Message: "welcome"},
				}},
			}},
		}
		_, _, err := execNodes(t, in, nodes, nil)
		require.NoError(t, err)

		other := sockets.RegisterConnection(context.Background(), "lobby")
		id := sockets.RegisterConnection(context.Background(), "chat")
		require.Eventually(t, func() bool {
			pending := sockets.PendingMessages(id)
			return len(pending) == 1 && pending[0] == "welcome"
		}, time.Second, 10*time.Millisecond)
		assert.Empty(t, sockets.PendingMessages(other))
	})

	t.Run("broadcast fans out to the named group", func(t *testing.T) {
		sockets := ws.NewService()
		in := New(WithSockets(sockets))

		nodes := []ast.Node{
			&ast.WebSocketNode{Name: "chat", Handlers: []*ast.WebSocketHandlerNode{
				{Event: "message", Body: []ast.Node{
					&ast.WebSocketSendNode{Connection: "chat", Message: "{connection.raw}", Broadcast: true},
				}},
			}},
		}
		_, _, err := execNodes(t, in, nodes, nil)
		require.NoError(t, err)

		a := sockets.RegisterConnection(context.Background(), "chat")
		b := sockets.RegisterConnection(context.Background(), "chat")
		require.NoError(t, sockets.ReceiveMessage(context.Background(), a, "hi all"))
		require.Eventually(t, func() bool {
			return len(sockets.PendingMessages(a)) == 1 && len(sockets.PendingMessages(b)) == 1
		}, time.Second, 10*time.Millisecond)
	})
}

func TestPersistSaveAndRestoreAcrossRuns(t *testing.T) {
	store := persist.NewMemoryStore()
	in := New(WithPersistStore(store))

	nodes := []ast.Node{
		&ast.SetNode{Name: "count", Value: "1", Operation: ast.SetAdd, Persist: "local"},
		text("{count}"),
	}

	out, _, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	out, _, err = execNodes(t, in, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

func TestPersistNodeRegistersGroup(t *testing.T) {
	store := persist.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), persist.ScopeSession, "app:theme", "dark", persist.Options{}))

	in := New(WithPersistStore(store))
	nodes := []ast.Node{
		&ast.PersistNode{Scope: "session", Prefix: "app:", Vars: []string{"theme"}},
		text("{theme}"),
	}
	out, _, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "dark", out)
}

func ollamaStub(t *testing.T, requests *atomic.Int64, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestLLMGenerateWithDeclaredBinding(t *testing.T) {
	var requests atomic.Int64
	server := ollamaStub(t, &requests, "bonjour")
	in := New(WithLLM(llms.NewClient()))

	nodes := []ast.Node{
		&ast.LLMNode{Name: "ai", Host: server.URL, Model: "m"},
		&ast.LLMGenerateNode{LLMID: "ai", Prompt: "translate {word}", ResultVar: "r"},
	}
	_, sc, err := execNodes(t, in, nodes, map[string]any{"word": "hello"})
	require.NoError(t, err)

	stored, _ := sc.Get("r")
	result := stored.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "bonjour", result["content"])
}

func TestLLMGenerateCacheHit(t *testing.T) {
	var requests atomic.Int64
	server := ollamaStub(t, &requests, "cached")
	in := New(WithLLM(llms.NewClient()))

	generate := &ast.LLMGenerateNode{LLMID: "ai", Prompt: "same prompt", ResultVar: "r", Cache: true}
	nodes := []ast.Node{
		&ast.LLMNode{Name: "ai", Host: server.URL, Model: "m"},
		generate,
		generate,
	}
	_, _, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load())
}

func TestLLMGenerateUnknownBinding(t *testing.T) {
	in := New(WithLLM(llms.NewClient()))
	nodes := []ast.Node{&ast.LLMGenerateNode{LLMID: "nope", Prompt: "x", ResultVar: "r"}}
	_, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("r")
	result := stored.(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "unknown llm binding")
}

func TestLLMConfigFromApplicationDatasource(t *testing.T) {
	var requests atomic.Int64
	server := ollamaStub(t, &requests, "answer")

	app := &ast.ApplicationNode{ID: "demo", Datasources: map[string]*ast.DatasourceNode{
		"ai": {ID: "ai", Type: ast.DatasourceLLM, Attributes: map[string]string{
			"host": server.URL, "model": "m",
		}},
	}}
	comp := &ast.ComponentNode{Name: "C", Statements: []ast.Node{
		&ast.LLMGenerateNode{LLMID: "ai", Prompt: "q", ResultVar: "r"},
		text("{r.content}"),
	}}

	out, err := New(WithLLM(llms.NewClient())).Render(context.Background(), app, comp, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

func TestAgentExecuteFinishesOnFirstTurn(t *testing.T) {
	var requests atomic.Int64
	server := ollamaStub(t, &requests, `{"action":"finish","result":"ok"}`)
	in := New(WithLLM(llms.NewClient()))

	nodes := []ast.Node{
		&ast.LLMNode{Name: "ai", Host: server.URL, Model: "m"},
		&ast.AgentNode{Name: "helper", LLM: "ai",
			Instructions: []*ast.AgentInstructionNode{{Text: "be brief"}},
			Tools: []*ast.AgentToolNode{{Name: "noop", Description: "does nothing",
				Body: []ast.Node{text("unused")}}},
		},
		&ast.AgentExecuteNode{Agent: "helper", Task: "say ok", ResultVar: "r"},
	}
	_, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("r")
	result := stored.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "ok", result["result"])
	assert.Equal(t, int64(1), result["iterations"])
	assert.Equal(t, int64(0), result["action_count"])
}

func TestAgentExecuteUnknownAgent(t *testing.T) {
	in := New(WithLLM(llms.NewClient()))
	nodes := []ast.Node{&ast.AgentExecuteNode{Agent: "ghost", Task: "t", ResultVar: "r"}}
	_, sc, err := execNodes(t, in, nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("r")
	result := stored.(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "unknown agent")
}

func TestSearchWithoutServiceCapturesError(t *testing.T) {
	nodes := []ast.Node{&ast.SearchNode{KnowledgeID: "kb", Query: "q", ResultVar: "r"}}
	_, sc, err := execNodes(t, New(), nodes, nil)
	require.NoError(t, err)

	stored, _ := sc.Get("r")
	result := stored.(map[string]any)
	assert.Equal(t, false, result["success"])
}
