package interp

import (
	"context"
	"time"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/broker"
	"github.com/quillframe/quill/pkg/scope"
)

const defaultRequestTimeout = 5 * time.Second

func (r *run) execMessage(ctx context.Context, n *ast.MessageNode) error {
	result := r.messageResult(n)
	if n.Name != "" {
		r.sc.Set(n.Name, result)
		return nil
	}
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		return renderErrorf("message", nil, "%s", errMsg)
	}
	return nil
}

func (r *run) messageResult(n *ast.MessageNode) map[string]any {
	if r.in.broker == nil {
		return map[string]any{"success": false, "error": "no message broker configured"}
	}

	msg := &broker.Message{
		Body:    r.bindValue(n.Body),
		Headers: map[string]string{},
	}
	for _, h := range n.Headers {
		msg.Headers[h.Name] = r.bindString(h.Value)
	}

	switch n.Type {
	case "publish":
		if err := r.in.broker.Publish(r.bindString(n.Topic), msg); err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{"success": true, "message_id": msg.ID}
	case "send":
		if err := r.in.broker.Send(r.bindString(n.Queue), msg); err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{"success": true, "message_id": msg.ID}
	case "request":
		timeout := defaultRequestTimeout
		if n.Timeout > 0 {
			timeout = time.Duration(n.Timeout) * time.Millisecond
		}
		reply, err := r.in.broker.Request(r.bindString(n.Queue), msg, timeout)
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{"success": true, "message_id": msg.ID, "data": reply.Body}
	default:
		return map[string]any{"success": false, "error": "unknown message type " + n.Type}
	}
}

// execSubscribe registers a durable handler. Each delivery executes the
// handler body in a fresh context seeded with the visible variables at
// registration time plus a `message` variable.
func (r *run) execSubscribe(ctx context.Context, n *ast.SubscribeNode) error {
	if r.in.broker == nil {
		return renderErrorf("subscribe", nil, "no message broker configured")
	}

	base := r.vars()
	body := n.Handler
	manual := n.Ack == "manual"
	in := r.in
	app := r.app

	handler := func(msg *broker.Message) {
		sub := in.newRun(scope.NewWith(base), app)
		sub.delivery = msg
		sub.sc.Set("message", messageValue(msg))

		err := sub.execList(context.Background(), body)
		if err == nil {
			err = sub.firstErr
		}
		if err != nil {
			in.log.Error("subscription handler failed", "topic", msg.Topic, "queue", msg.Queue, "error", err)
			if manual {
				if nackErr := in.broker.Nack(msg, true); nackErr != nil {
					in.log.Warn("nack failed", "error", nackErr)
				}
				return
			}
		}
		if !manual {
			if ackErr := in.broker.Ack(msg); ackErr != nil {
				in.log.Warn("auto-ack failed", "error", ackErr)
			}
		}
	}

	var err error
	if n.Topic != "" {
		_, err = r.in.broker.Subscribe(r.bindString(n.Topic), handler)
	} else {
		_, err = r.in.broker.Consume(r.bindString(n.Queue), handler, 1)
	}
	if err != nil {
		return renderErrorf("subscribe", err, "registration failed: %v", err)
	}
	return nil
}

func messageValue(msg *broker.Message) map[string]any {
	headers := make(map[string]any, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return map[string]any{
		"id":      msg.ID,
		"topic":   msg.Topic,
		"queue":   msg.Queue,
		"body":    msg.Body,
		"headers": headers,
	}
}

func (r *run) execQueue(n *ast.QueueNode) error {
	result := r.queueOpResult(n)
	if n.Result != "" {
		r.sc.Set(n.Result, result)
		return nil
	}
	if errMsg, ok := result["error"].(string); ok && errMsg != "" {
		return renderErrorf("queue", nil, "%s", errMsg)
	}
	return nil
}

func (r *run) queueOpResult(n *ast.QueueNode) map[string]any {
	if r.in.broker == nil {
		return map[string]any{"success": false, "error": "no message broker configured"}
	}
	name := r.bindString(n.Name)

	switch n.Operation {
	case "", "declare":
		err := r.in.broker.DeclareQueue(name, broker.QueueOptions{
			Durable:    n.Durable,
			AutoDelete: n.AutoDelete,
			DLQ:        n.DLQ,
			TTL:        secondsToDuration(n.TTL),
		})
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{"success": true}
	case "delete":
		if err := r.in.broker.DeleteQueue(name); err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{"success": true}
	case "purge":
		count, err := r.in.broker.PurgeQueue(name)
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{"success": true, "purged": int64(count)}
	case "info":
		info, err := r.in.broker.GetQueueInfo(name)
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		return map[string]any{
			"success":        true,
			"name":           info.Name,
			"message_count":  int64(info.MessageCount),
			"consumer_count": int64(info.ConsumerCount),
			"durable":        info.Durable,
			"dlq":            info.DLQ,
		}
	default:
		return map[string]any{"success": false, "error": "unknown queue operation " + n.Operation}
	}
}

func (r *run) execAck() error {
	if r.delivery == nil {
		return renderErrorf("message-ack", nil, "no delivery bound; ack is only valid inside a subscribe handler")
	}
	if err := r.in.broker.Ack(r.delivery); err != nil {
		return renderErrorf("message-ack", err, "%v", err)
	}
	return nil
}

func (r *run) execNack(n *ast.MessageNackNode) error {
	if r.delivery == nil {
		return renderErrorf("message-nack", nil, "no delivery bound; nack is only valid inside a subscribe handler")
	}
	if err := r.in.broker.Nack(r.delivery, n.Requeue); err != nil {
		return renderErrorf("message-nack", err, "%v", err)
	}
	return nil
}
