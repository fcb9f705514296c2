package channel

import "testing"

func TestNewTelegram_ParsesAllowList(t *testing.T) {
	tg := NewTelegram(TelegramConfig{
		Token:     "test-token",
		AllowFrom: []string{"123", " 456 ", "notanumber"},
		Logger:    testLogger(),
	})
	if !tg.isAllowed(123) || !tg.isAllowed(456) {
		t.Fatal("listed IDs should be allowed")
	}
	if tg.isAllowed(789) {
		t.Fatal("unlisted ID should be denied")
	}
}

func TestTelegram_EmptyAllowListAllowsAll(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "test-token", Logger: testLogger()})
	if !tg.isAllowed(42) {
		t.Fatal("empty allow list should allow everyone")
	}
}

func TestTelegram_DefaultParseMode(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "test-token", Logger: testLogger()})
	if tg.parseMode != "Markdown" {
		t.Fatalf("expected Markdown default, got %q", tg.parseMode)
	}
}
