package capability

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"lanebot/internal/domain"
)

const (
	browseTimeout   = 60 * time.Second
	browseMaxOutput = 20000
)

// BrowseCapability renders a page in headless Chrome and returns the
// visible text. Unlike web_fetch it executes JavaScript, so it works on
// client-rendered sites.
type BrowseCapability struct {
	headless bool
	timeout  time.Duration
	logger   *slog.Logger
}

type BrowseConfig struct {
	Headless bool
	Timeout  time.Duration
	Logger   *slog.Logger
}

func NewBrowseCapability(cfg BrowseConfig) *BrowseCapability {
	if cfg.Timeout <= 0 {
		cfg.Timeout = browseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BrowseCapability{
		headless: cfg.Headless,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

func (c *BrowseCapability) Name() string { return "browse" }
func (c *BrowseCapability) Description() string {
	return "Open a web page in a real browser and return its rendered text. Use for pages that need JavaScript; prefer web_fetch for plain pages."
}
func (c *BrowseCapability) Parameters() map[string]any {
	return Schema(
		map[string]Param{
			"url": {Type: "string", Description: "Full URL to open (must start with http:// or https://)"},
		},
		[]string{"url"},
	)
}

func (c *BrowseCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := ArgsString(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("missing argument: url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)
	if c.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, c.timeout)
	defer timeoutCancel()

	c.logger.Debug("rendering page", "url", rawURL)

	var text string
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(1*time.Second),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", rawURL, err)
	}

	text = strings.TrimSpace(text)
	if len(text) > browseMaxOutput {
		text = text[:browseMaxOutput] + "\n... (truncated)"
	}
	if text == "" {
		return fmt.Sprintf("Page %s rendered but contained no visible text.", rawURL), nil
	}
	return text, nil
}

var _ domain.Capability = (*BrowseCapability)(nil)
