package interp

import (
	"context"
	"errors"
	"time"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/jobs"
	"github.com/quillframe/quill/pkg/scope"
	"github.com/quillframe/quill/pkg/ws"
)

// runDetached executes a statement list in a fresh context on a background
// goroutine's behalf. Output is discarded; failures are logged.
func (in *Interpreter) runDetached(what string, app *ast.ApplicationNode, base map[string]any, seed map[string]any, body []ast.Node) (any, error) {
	sub := in.newRun(scope.NewWith(base), app)
	for name, v := range seed {
		sub.sc.Set(name, v)
	}
	err := sub.execList(context.Background(), body)
	if err == nil {
		err = sub.firstErr
	}
	var ret returnSignal
	if err != nil && errors.As(err, &ret) {
		return ret.value, nil
	}
	if err != nil {
		in.log.Error("detached execution failed", "kind", what, "error", err)
		return nil, err
	}
	return sub.out.String(), nil
}

func (r *run) execSchedule(ctx context.Context, n *ast.ScheduleNode) error {
	if r.in.sched == nil {
		return renderErrorf("schedule", nil, "no scheduler configured")
	}

	base := r.vars()
	body := n.Body
	in := r.in
	app := r.app
	name := n.Name

	err := r.in.sched.Add(jobs.ScheduleEntry{
		Name:     name,
		Interval: n.Interval,
		Cron:     n.Cron,
		Timezone: n.Timezone,
		Callback: func() {
			in.runDetached("schedule "+name, app, base, nil, body)
		},
	})
	if err != nil {
		return renderErrorf("schedule", err, "cannot register %q: %v", n.Name, err)
	}
	if !n.Enabled {
		if err := r.in.sched.Pause(n.Name); err != nil {
			return renderErrorf("schedule", err, "cannot pause %q: %v", n.Name, err)
		}
	}
	return nil
}

func (r *run) execThread(ctx context.Context, n *ast.ThreadNode) error {
	if r.in.threads == nil {
		return renderErrorf("thread", nil, "no thread service configured")
	}

	base := r.vars()
	body := n.Body
	in := r.in
	app := r.app
	name := n.Name

	_, err := r.in.threads.Run(name, func(tctx context.Context) (any, error) {
		return in.runDetached("thread "+name, app, base, nil, body)
	}, jobs.RunOptions{Priority: jobs.ParsePriority(n.Priority)})
	if err != nil {
		return renderErrorf("thread", err, "cannot start %q: %v", n.Name, err)
	}
	return nil
}

func (r *run) execJob(ctx context.Context, n *ast.JobNode) error {
	result := r.jobResult(ctx, n)
	if n.Result != "" {
		r.sc.Set(n.Result, result)
		return nil
	}
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		return renderErrorf("job", nil, "%s", errMsg)
	}
	return nil
}

func (r *run) jobResult(ctx context.Context, n *ast.JobNode) map[string]any {
	if r.in.queue == nil {
		return map[string]any{"success": false, "error": "no job queue configured"}
	}

	params := make(map[string]any, len(n.Params))
	for k, raw := range n.Params {
		params[k] = r.bindValue(raw)
	}
	var delay, backoff time.Duration
	if n.Delay != "" {
		d, err := jobs.ParseDuration(n.Delay)
		if err != nil {
			return map[string]any{"success": false, "error": "invalid delay: " + err.Error()}
		}
		delay = d
	}
	if n.Backoff != "" {
		b, err := jobs.ParseDuration(n.Backoff)
		if err != nil {
			return map[string]any{"success": false, "error": "invalid backoff: " + err.Error()}
		}
		backoff = b
	}

	jobID, err := r.in.queue.Dispatch(ctx, r.bindString(n.Name), jobs.DispatchOptions{
		Params:      params,
		Queue:       n.Queue,
		Priority:    n.Priority,
		Delay:       delay,
		MaxAttempts: n.MaxAttempts,
		Backoff:     backoff,
	})
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true, "job_id": jobID}
}

// execWebSocket binds the declared event handlers to a logical connection
// name. Handler bodies execute in fresh contexts seeded with the delivery.
func (r *run) execWebSocket(ctx context.Context, n *ast.WebSocketNode) error {
	if r.in.sockets == nil {
		return renderErrorf("websocket", nil, "no websocket service configured")
	}

	base := r.vars()
	in := r.in
	app := r.app

	for _, h := range n.Handlers {
		body := h.Body
		event := h.Event
		in.sockets.RegisterHandler(n.Name, ws.Event(event), func(hctx context.Context, msg *ws.Message) error {
			seed := map[string]any{
				"connection": socketValue(msg),
			}
			_, err := in.runDetached("websocket "+event, app, base, seed, body)
			return err
		})
	}
	return nil
}

func socketValue(msg *ws.Message) map[string]any {
	out := map[string]any{
		"id":    msg.ConnectionID,
		"name":  msg.Name,
		"event": string(msg.Event),
	}
	if msg.Data != nil {
		out["data"] = msg.Data
	}
	if msg.Raw != "" {
		out["raw"] = msg.Raw
	}
	if msg.Code != 0 {
		out["code"] = int64(msg.Code)
	}
	if msg.Reason != "" {
		out["reason"] = msg.Reason
	}
	if msg.Err != nil {
		out["error"] = msg.Err.Error()
	}
	return out
}

func (r *run) execWebSocketSend(n *ast.WebSocketSendNode) error {
	if r.in.sockets == nil {
		return renderErrorf("websocket-send", nil, "no websocket service configured")
	}
	payload := r.bindValue(n.Message)
	target := r.bindString(n.Connection)
	if n.Broadcast {
		if _, err := r.in.sockets.Broadcast(target, payload); err != nil {
			return renderErrorf("websocket-send", err, "%v", err)
		}
		return nil
	}
	if err := r.in.sockets.SendMessage(target, payload); err != nil {
		return renderErrorf("websocket-send", err, "%v", err)
	}
	return nil
}

func (r *run) execWebSocketClose(ctx context.Context, n *ast.WebSocketCloseNode) error {
	if r.in.sockets == nil {
		return renderErrorf("websocket-close", nil, "no websocket service configured")
	}
	r.in.sockets.CloseConnection(ctx, r.bindString(n.Connection), n.Code, r.bindString(n.Reason))
	return nil
}
