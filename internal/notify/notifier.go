// Package notify delivers operator alerts (arbitrage hits, failed syncs,
// dropped connections) to chat channels. Alerts fan out to every registered
// sender and pass through a configurable event allow-list.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to its senders. Notify drops events outside the
// allow-list; NotifyAll bypasses it. A Notifier with no senders is a no-op,
// so callers never need a nil check on the happy path.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	limiter domain.RateLimiter // nil disables delivery pacing
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. An empty events list
// allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		allowed[Event(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// WithLimiter paces deliveries through a shared limiter, one send per sender
// per second. Chat API limits are per bot token, so multiple instances must
// share the budget.
func (n *Notifier) WithLimiter(limiter domain.RateLimiter) *Notifier {
	n.limiter = limiter
	return n
}

// Notify delivers the alert if event passes the allow-list.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(event)),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers the alert regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender; one sender failing does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx, "notify:"+s.Name()); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
				continue
			}
		}
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
