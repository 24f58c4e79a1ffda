package alerts

import (
	"context"
	"errors"
	"testing"
)

type captureSender struct {
	messages []string
	err      error
}

func (c *captureSender) Send(ctx context.Context, message string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.messages = append(c.messages, message)
	return c.err
}

func TestDispatcherFormatsSeverity(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, "bot-1", nil)
	d.Notify(context.Background(), "hedge failed", SeverityCritical)
	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.messages))
	}
	if sender.messages[0] != "[CRITICAL] bot-1: hedge failed" {
		t.Fatalf("unexpected message %q", sender.messages[0])
	}
}

func TestDispatcherSwallowsSendErrors(t *testing.T) {
	sender := &captureSender{err: errors.New("down")}
	d := NewDispatcher(sender, "", nil)
	d.Notify(context.Background(), "hello", SeverityInfo)
	if len(sender.messages) != 1 || sender.messages[0] != "[INFO] hello" {
		t.Fatalf("unexpected messages %v", sender.messages)
	}
}

func TestDispatcherSendsAfterCancel(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, "shutting down", SeverityWarning)
	if len(sender.messages) != 1 {
		t.Fatalf("expected delivery despite cancelled ctx, got %d", len(sender.messages))
	}
}

func TestDispatcherWithoutSender(t *testing.T) {
	d := NewDispatcher(nil, "", nil)
	d.Notify(context.Background(), "log only", SeverityInfo)
}
