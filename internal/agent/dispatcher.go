package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"lanebot/internal/domain"
	"lanebot/internal/waq"
)

const defaultHistoryTurns = 10

// Dispatcher is the submission interface between transports and the loop.
// Every work item is persisted write-ahead and processed strictly FIFO
// within its lane.
type Dispatcher struct {
	lanes        *waq.LaneQueue
	loop         *Loop
	roles        *RoleRegistry
	router       *Router
	sessions     *SessionManager
	bus          domain.MessageBus
	logger       *slog.Logger
	defaultRole  string
	historyTurns int
}

type DispatcherConfig struct {
	Lanes        *waq.LaneQueue
	Loop         *Loop
	Roles        *RoleRegistry
	Router       *Router
	Sessions     *SessionManager   // optional: nil disables history
	Bus          domain.MessageBus // optional: only needed for Run/Recover
	Logger       *slog.Logger
	DefaultRole  string
	HistoryTurns int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "assistant"
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	return &Dispatcher{
		lanes:        cfg.Lanes,
		loop:         cfg.Loop,
		roles:        cfg.Roles,
		router:       cfg.Router,
		sessions:     cfg.Sessions,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		defaultRole:  cfg.DefaultRole,
		historyTurns: cfg.HistoryTurns,
	}
}

// Submit persists one work item for the lane and enqueues it. onResult is
// always called exactly once with the user-visible reply, error or not.
func (d *Dispatcher) Submit(laneID, payload string, onResult func(string)) {
	d.lanes.Enqueue(laneID, payload, d.handler(onResult))
}

// handler adapts process into a lane queue handler. Errors are converted to
// an apology string for the user and returned for the worker's failure log.
func (d *Dispatcher) handler(onResult func(string)) waq.Handler {
	return func(ctx context.Context, item waq.Item) error {
		reply, err := d.process(ctx, item.LaneID, item.Payload)
		if err != nil {
			onResult(fmt.Sprintf("Sorry, I encountered an error: %s", err.Error()))
			return err
		}
		onResult(reply)
		return nil
	}
}

// process runs one payload through routing, history, and the loop.
func (d *Dispatcher) process(ctx context.Context, laneID, payload string) (string, error) {
	if strings.TrimSpace(payload) == "/clear" {
		if d.sessions != nil {
			d.sessions.ClearSession(ctx, laneID)
		}
		return "Conversation cleared.", nil
	}

	roleName := d.router.Route(payload)
	if roleName == "" {
		roleName = d.defaultRole
	}
	role, ok := d.roles.Get(roleName)
	if !ok {
		return "", fmt.Errorf("role %q not registered", roleName)
	}

	d.logger.Info("processing work item",
		"lane", laneID,
		"role", role.Name,
		"payload_len", len(payload),
	)

	var convID, hint string
	var firstTurn bool
	if d.sessions != nil {
		var err error
		convID, err = d.sessions.GetOrCreateConversation(ctx, laneID, role.Name, role.Provider)
		if err != nil {
			d.logger.Warn("session unavailable, continuing without history", "lane", laneID, "error", err)
		} else {
			prior, err := d.sessions.GetHistory(ctx, convID, d.historyTurns)
			if err != nil {
				d.logger.Warn("failed to load history, continuing without it", "lane", laneID, "error", err)
			} else {
				firstTurn = len(prior) == 0
				hint = condenseHistory(prior)
			}
		}
	}

	reply, err := d.loop.Run(ctx, role, payload, hint)
	if err != nil {
		return "", err
	}

	// Persist the turn best-effort; a failed write must not eat the reply.
	if d.sessions != nil && convID != "" {
		if err := d.sessions.SaveMessage(ctx, convID, domain.Message{Role: "user", Content: payload}); err != nil {
			d.logger.Warn("failed to save user message", "convID", convID, "error", err)
		}
		if err := d.sessions.SaveMessage(ctx, convID, domain.Message{Role: "assistant", Content: reply}); err != nil {
			d.logger.Warn("failed to save assistant message", "convID", convID, "error", err)
		}
		if firstTurn {
			d.sessions.UpdateTitle(ctx, convID, payload)
		}
	}

	return reply, nil
}

// Run consumes inbound messages from the bus until ctx is done. Each message
// becomes a work item on its chat's lane; replies go back out through the bus.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "defaultRole", d.defaultRole)

	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			laneID := msg.Channel + ":" + msg.ChatID
			d.Submit(laneID, msg.Content, d.outboundFor(laneID))
		}
	}
}

// Recover re-enqueues work items that survived a crash, before any channel
// starts producing new ones. Returns the number of recovered items.
func (d *Dispatcher) Recover() int {
	return d.lanes.RecoverOrphans(func(laneID string) waq.Handler {
		return d.handler(d.outboundFor(laneID))
	})
}

// Snapshot exposes the lane queue state for status reporting.
func (d *Dispatcher) Snapshot() map[string]waq.LaneStatus {
	return d.lanes.Snapshot()
}

// outboundFor builds an onResult that routes the reply back to the lane's
// originating channel.
func (d *Dispatcher) outboundFor(laneID string) func(string) {
	channel, chatID := splitLaneID(laneID)
	return func(reply string) {
		d.bus.SendOutbound(domain.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: reply,
			Format:  "markdown",
		})
	}
}

// splitLaneID splits "<channel>:<chatID>" at the first colon. Lane IDs
// without a colon map to a channel with an empty chat ID.
func splitLaneID(laneID string) (string, string) {
	if i := strings.Index(laneID, ":"); i >= 0 {
		return laneID[:i], laneID[i+1:]
	}
	return laneID, ""
}

// condenseHistory renders prior turns as a compact text block for the system
// prompt. Tool turns are skipped; long contents are truncated.
func condenseHistory(history []domain.Message) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case "user":
			b.WriteString("User: ")
		case "assistant":
			if m.Content == "" {
				continue
			}
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(truncateText(m.Content, 500))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
