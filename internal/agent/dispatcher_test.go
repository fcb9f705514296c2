package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lanebot/internal/bus"
	"lanebot/internal/domain"
	"lanebot/internal/history"
	"lanebot/internal/waq"
)

func newTestDispatcher(t *testing.T, chatFn func(call int, req domain.ChatRequest) (*domain.ChatResponse, error)) (*Dispatcher, *scriptedProvider, *history.SQLiteStore, *waq.Store) {
	t.Helper()
	logger := testLogger()

	qstore, err := waq.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("queue store: %v", err)
	}
	hstore, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), logger)
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	t.Cleanup(func() { hstore.Close() })

	reg, _ := newEchoRegistry(t)
	roles := NewRoleRegistry(logger)
	roles.RegisterBuiltins()
	provider := &scriptedProvider{chatFn: chatFn}

	d := NewDispatcher(DispatcherConfig{
		Lanes:    waq.NewLaneQueue(waq.LaneQueueConfig{Store: qstore, Logger: logger}),
		Loop:     NewLoop(LoopConfig{Provider: provider, Registry: reg, Logger: logger}),
		Roles:    roles,
		Router:   NewRouter(roles, logger),
		Sessions: NewSessionManager(hstore, logger),
		Logger:   logger,
	})
	return d, provider, hstore, qstore
}

func awaitReply(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case reply := <-ch:
		return reply
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return ""
	}
}

func echoUserChatFn(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var user string
	for _, m := range req.Messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	return textResponse("reply:" + user), nil
}

func TestSubmit_DeliversReply(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, echoUserChatFn)

	replies := make(chan string, 1)
	d.Submit("cli:default", "hi", func(s string) { replies <- s })

	if got := awaitReply(t, replies); got != "reply:hi" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestSubmit_PersistsConversation(t *testing.T) {
	d, _, hstore, _ := newTestDispatcher(t, echoUserChatFn)

	replies := make(chan string, 1)
	d.Submit("cli:default", "remember this", func(s string) { replies <- s })
	awaitReply(t, replies)

	ctx := context.Background()
	conv, err := hstore.GetConversation(ctx, "cli:default")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv == nil {
		t.Fatal("conversation not created")
	}
	if conv.Title != "remember this" {
		t.Fatalf("expected title from first turn, got %q", conv.Title)
	}

	msgs, err := hstore.GetMessages(ctx, "cli:default", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("expected user+assistant turn, got %+v", msgs)
	}
	if msgs[1].Content != "reply:remember this" {
		t.Fatalf("unexpected saved reply: %q", msgs[1].Content)
	}
}

func TestSubmit_SecondTurnCarriesHistoryHint(t *testing.T) {
	var hinted string
	d, _, _, _ := newTestDispatcher(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if call == 2 {
			hinted = req.Messages[0].Content
		}
		return echoUserChatFn(call, req)
	})

	replies := make(chan string, 1)
	d.Submit("cli:default", "first question", func(s string) { replies <- s })
	awaitReply(t, replies)
	d.Submit("cli:default", "second question", func(s string) { replies <- s })
	awaitReply(t, replies)

	if !strings.Contains(hinted, "User: first question") {
		t.Fatalf("second turn should see the first in its system prompt: %q", hinted)
	}
	if !strings.Contains(hinted, "Assistant: reply:first question") {
		t.Fatalf("second turn missing the prior reply: %q", hinted)
	}
}

func TestSubmit_ClearCommand(t *testing.T) {
	d, provider, hstore, _ := newTestDispatcher(t, echoUserChatFn)
	ctx := context.Background()

	replies := make(chan string, 1)
	d.Submit("cli:default", "hello", func(s string) { replies <- s })
	awaitReply(t, replies)

	d.Submit("cli:default", " /clear ", func(s string) { replies <- s })
	if got := awaitReply(t, replies); got != "Conversation cleared." {
		t.Fatalf("unexpected reply %q", got)
	}
	if provider.callCount() != 1 {
		t.Fatalf("/clear must not reach the model, saw %d calls", provider.callCount())
	}

	conv, err := hstore.GetConversation(ctx, "cli:default")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv != nil {
		t.Fatalf("conversation should be deleted, got %+v", conv)
	}
}

func TestSubmit_LoopErrorProducesApology(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, func(call int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("upstream unreachable")
	})

	replies := make(chan string, 1)
	d.Submit("cli:default", "hi", func(s string) { replies <- s })

	got := awaitReply(t, replies)
	if !strings.HasPrefix(got, "Sorry, I encountered an error:") {
		t.Fatalf("expected apology, got %q", got)
	}
	if !strings.Contains(got, "upstream unreachable") {
		t.Fatalf("apology should carry the cause, got %q", got)
	}
}

func TestSubmit_FIFOWithinLane(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, echoUserChatFn)

	replies := make(chan string, 3)
	for _, payload := range []string{"one", "two", "three"} {
		d.Submit("cli:default", payload, func(s string) { replies <- s })
	}

	for _, want := range []string{"reply:one", "reply:two", "reply:three"} {
		if got := awaitReply(t, replies); got != want {
			t.Fatalf("out of order: got %q, want %q", got, want)
		}
	}
}

func TestSubmit_CompletesWriteAheadRecords(t *testing.T) {
	d, _, _, qstore := newTestDispatcher(t, echoUserChatFn)

	replies := make(chan string, 1)
	d.Submit("cli:default", "hi", func(s string) { replies <- s })
	awaitReply(t, replies)

	// Completion happens right after the handler returns; give the worker a moment.
	deadline := time.Now().Add(2 * time.Second)
	for qstore.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected no pending records, have %d", qstore.PendingCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecover_ReprocessesOrphanedItems(t *testing.T) {
	d, _, _, qstore := newTestDispatcher(t, echoUserChatFn)

	// Simulate a crash: records written but never processed.
	qstore.Write("cli:default", "orphan one")
	qstore.Write("cli:default", "orphan two")

	msgBus := bus.New(16, testLogger())
	defer msgBus.Close()
	d.bus = msgBus

	replies := make(chan string, 2)
	msgBus.OnOutbound("cli", func(msg domain.OutboundMessage) { replies <- msg.Content })

	if n := d.Recover(); n != 2 {
		t.Fatalf("expected 2 recovered items, got %d", n)
	}
	if got := awaitReply(t, replies); got != "reply:orphan one" {
		t.Fatalf("unexpected first recovered reply %q", got)
	}
	if got := awaitReply(t, replies); got != "reply:orphan two" {
		t.Fatalf("unexpected second recovered reply %q", got)
	}
}

func TestRun_BusRoundTrip(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, echoUserChatFn)

	msgBus := bus.New(16, testLogger())
	defer msgBus.Close()
	d.bus = msgBus

	replies := make(chan domain.OutboundMessage, 1)
	msgBus.OnOutbound("telegram", func(msg domain.OutboundMessage) { replies <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	msgBus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    "42",
		SenderID:  "42",
		Content:   "ping",
		Timestamp: time.Now(),
	})

	select {
	case out := <-replies:
		if out.Content != "reply:ping" || out.ChatID != "42" || out.Format != "markdown" {
			t.Fatalf("unexpected outbound message: %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound reply")
	}
}

func TestSplitLaneID(t *testing.T) {
	cases := []struct {
		laneID  string
		channel string
		chatID  string
	}{
		{"telegram:42", "telegram", "42"},
		{"cli:default", "cli", "default"},
		{"web:a:b", "web", "a:b"},
		{"bare", "bare", ""},
	}
	for _, tc := range cases {
		channel, chatID := splitLaneID(tc.laneID)
		if channel != tc.channel || chatID != tc.chatID {
			t.Errorf("splitLaneID(%q) = (%q, %q), want (%q, %q)",
				tc.laneID, channel, chatID, tc.channel, tc.chatID)
		}
	}
}

func TestCondenseHistory(t *testing.T) {
	history := []domain.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []domain.ToolCall{{ID: "tc-1", Name: "echo"}}},
		{Role: "tool", Content: "echo: hi", ToolCallID: "tc-1"},
		{Role: "assistant", Content: "hello"},
	}

	got := condenseHistory(history)
	want := "User: hi\nAssistant: hello"
	if got != want {
		t.Fatalf("condenseHistory = %q, want %q", got, want)
	}

	if condenseHistory(nil) != "" {
		t.Fatal("empty history should condense to empty string")
	}
}

func TestCondenseHistory_TruncatesLongContent(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := condenseHistory([]domain.Message{{Role: "user", Content: long}})
	if len(got) != len("User: ")+500+3 {
		t.Fatalf("unexpected condensed length %d", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation marker, got tail %q", got[len(got)-10:])
	}
}
