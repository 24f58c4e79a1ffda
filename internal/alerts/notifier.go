package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Notifier delivers operator notifications. Delivery failures are handled by
// the implementation and never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity)
}

type Sender interface {
	Send(ctx context.Context, message string) error
}

type Dispatcher struct {
	sender  Sender
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

// NewDispatcher logs every notification and forwards it to sender when one is
// configured. prefix tags messages with the bot instance.
func NewDispatcher(sender Sender, prefix string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{sender: sender, prefix: prefix, timeout: 10 * time.Second, log: log}
}

func (d *Dispatcher) Notify(ctx context.Context, message string, severity Severity) {
	switch severity {
	case SeverityCritical:
		d.log.Error("notify", zap.String("severity", string(severity)), zap.String("message", message))
	case SeverityWarning:
		d.log.Warn("notify", zap.String("severity", string(severity)), zap.String("message", message))
	default:
		d.log.Info("notify", zap.String("severity", string(severity)), zap.String("message", message))
	}
	if d.sender == nil {
		return
	}
	// Alerts raised during shutdown still go out.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, d.format(message, severity)); err != nil {
		d.log.Warn("notification delivery failed", zap.Error(err))
	}
}

func (d *Dispatcher) format(message string, severity Severity) string {
	if d.prefix == "" {
		return fmt.Sprintf("[%s] %s", severity, message)
	}
	return fmt.Sprintf("[%s] %s: %s", severity, d.prefix, message)
}
