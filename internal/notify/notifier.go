// Package notify delivers position lifecycle alerts to operators.
// Events from the bus are formatted into human-readable messages and
// dispatched to all registered senders (Telegram, Discord, etc.),
// filtered by event type so operators receive only the alerts they
// care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/calebmoy/perpagent/internal/domain"
)

// busGroup is the consumer group name on the lifecycle event bus.
const busGroup = "notify"

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier consumes lifecycle events from the bus and dispatches them
// to one or more Senders. It maintains a set of allowed event types;
// events outside the set are acknowledged and dropped.
type Notifier struct {
	bus     domain.EventBus
	senders []Sender
	events  map[domain.EventType]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
// Only events whose type appears in the events slice are forwarded. If
// events is empty, all event types are allowed.
func NewNotifier(bus domain.EventBus, senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		bus:     bus,
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Run subscribes to the lifecycle event bus and dispatches alerts until
// the context is cancelled. Sender failures are logged and the event is
// acknowledged anyway; notifications are best effort.
func (n *Notifier) Run(ctx context.Context) error {
	if len(n.senders) == 0 {
		n.logger.Info("no senders configured, notifier idle")
		<-ctx.Done()
		return ctx.Err()
	}

	consumer := "notify-" + hostname()
	return n.bus.Subscribe(ctx, busGroup, consumer, func(ev domain.LifecycleEvent) error {
		if len(n.events) > 0 && !n.events[ev.Type] {
			return nil
		}
		title, message := formatEvent(ev)
		if err := n.dispatch(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "notification delivery incomplete",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}

// NotifyAll sends an ad hoc notification to all senders, bypassing the
// event filter. Used for operator-facing alerts outside the bus flow.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch iterates over all senders and sends the notification. Errors
// from individual senders are collected and returned as a combined
// error; a single sender failure does not prevent delivery to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatEvent renders a lifecycle event as an operator alert.
func formatEvent(ev domain.LifecycleEvent) (title, message string) {
	var b strings.Builder
	if ev.Market != "" {
		fmt.Fprintf(&b, "Market: %s", ev.Market)
		if ev.Side != "" {
			fmt.Fprintf(&b, " (%s)", ev.Side)
		}
		b.WriteString("\n")
	}
	if ev.DeploymentID != "" {
		fmt.Fprintf(&b, "Deployment: %s / %s\n", ev.DeploymentID, ev.SignalID)
	}
	if ev.AgentAddress != "" {
		fmt.Fprintf(&b, "Agent: %s\n", shortAddr(ev.AgentAddress))
	}
	if ev.TxHash != "" {
		fmt.Fprintf(&b, "Tx: %s\n", ev.TxHash)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", ev.Detail)
	}

	switch ev.Type {
	case domain.EventPositionOpened:
		title = "Position opened"
	case domain.EventIndexResolved:
		title = "Trade index resolved"
	case domain.EventPositionClosed:
		title = "Position closed"
	case domain.EventPositionFailed:
		title = "Position failed"
	case domain.EventAgentLowFunds:
		title = "Agent low on funds"
	default:
		title = string(ev.Type)
	}
	return title, strings.TrimRight(b.String(), "\n")
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "…" + addr[len(addr)-4:]
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "local"
	}
	return name
}
