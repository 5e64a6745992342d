package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

type fakeBus struct {
	events []domain.LifecycleEvent
}

func (f *fakeBus) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, group, consumer string, handler func(domain.LifecycleEvent) error) error {
	for _, ev := range f.events {
		if err := handler(ev); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunFiltersEventTypes(t *testing.T) {
	bus := &fakeBus{events: []domain.LifecycleEvent{
		{Type: domain.EventPositionOpened, Market: "BTC"},
		{Type: domain.EventIndexResolved, Market: "BTC"},
		{Type: domain.EventPositionClosed, Market: "BTC"},
	}}
	sender := &fakeSender{name: "test"}
	n := NewNotifier(bus, []Sender{sender}, []string{"position_opened", "position_closed"}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n.Run(ctx)

	if len(sender.titles) != 2 {
		t.Fatalf("sent %d notifications, want 2: %v", len(sender.titles), sender.titles)
	}
	if sender.titles[0] != "Position opened" || sender.titles[1] != "Position closed" {
		t.Errorf("titles = %v", sender.titles)
	}
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("http 500")}
	good := &fakeSender{name: "good"}
	n := NewNotifier(&fakeBus{}, []Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "title", "body")
	if err == nil {
		t.Fatal("expected combined error")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error = %v, want mention of failed sender", err)
	}
	if len(good.titles) != 1 {
		t.Errorf("good sender got %d sends, want 1", len(good.titles))
	}
}

func TestFormatEvent(t *testing.T) {
	title, msg := formatEvent(domain.LifecycleEvent{
		Type:         domain.EventPositionFailed,
		Market:       "ETH",
		Side:         domain.SideShort,
		DeploymentID: "dep-1",
		SignalID:     "sig-9",
		Detail:       "BELOW_MIN_POS",
	})

	if title != "Position failed" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"ETH", "short", "dep-1 / sig-9", "BELOW_MIN_POS"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q: %s", want, msg)
		}
	}
}
