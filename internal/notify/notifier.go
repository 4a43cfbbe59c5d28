// Package notify pushes operator-facing alerts to Telegram: budget
// threshold crossings, rejected spend and terminal agent failures.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/event"
)

type Notifier struct {
	bot    *telego.Bot
	chatID int64
	unsubs []func()
}

func New(cfg config.NotifyConfig, bus *event.Bus) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	n := &Notifier{bot: bot, chatID: cfg.ChatID}
	n.watch(bus)
	return n, nil
}

func (n *Notifier) watch(bus *event.Bus) {
	n.unsubs = append(n.unsubs,
		bus.Subscribe(event.Filter{Type: event.BudgetThreshold}, func(e event.Event) {
			n.send(formatThreshold(e))
		}),
		bus.Subscribe(event.Filter{Type: event.BudgetExceeded}, func(e event.Event) {
			n.send(formatExceeded(e))
		}),
		bus.Subscribe(event.Filter{Type: event.AgentFailed}, func(e event.Event) {
			if escalation, _ := e.Payload["escalation"].(bool); !escalation {
				return
			}
			n.send(formatFailure(e))
		}),
	)
}

func (n *Notifier) send(text string) {
	ctx := context.Background()
	for _, part := range splitAlert(text, 4096) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), part)); err != nil {
			slog.Error("failed to send telegram alert", "chat", n.chatID, "error", err)
			return
		}
	}
}

// splitAlert breaks an alert into sends that fit Telegram's message
// limit. Alerts are line-oriented, so lines stay whole; only a single
// overlong line is hard-wrapped.
func splitAlert(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			flush()
			parts = append(parts, line[:maxLen])
			line = line[maxLen:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return parts
}

func (n *Notifier) Close() {
	for _, unsub := range n.unsubs {
		unsub()
	}
}

func formatThreshold(e event.Event) string {
	return fmt.Sprintf("⚠️ Budget threshold crossed\nScope: %s/%s\nUsage: %.1f%% (threshold %.0f%%)\nAction: %s",
		e.Payload["scope_type"], e.Payload["scope_id"],
		asFloat(e.Payload["ratio"]), asFloat(e.Payload["threshold"]),
		e.Payload["action"])
}

func formatExceeded(e event.Event) string {
	return fmt.Sprintf("⛔ Spend rejected: budget exhausted\nScope: %s/%s\nRejected cost: %.2f",
		e.Payload["scope_type"], e.Payload["scope_id"], asFloat(e.Payload["cost"]))
}

func formatFailure(e event.Event) string {
	return fmt.Sprintf("❌ Agent terminally failed\nAgent: %s\nRetries: %v\nError: %v",
		e.Source, e.Payload["retry_count"], e.Payload["error"])
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
