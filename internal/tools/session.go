// Package tools implements the concrete tool surface the dispatcher invokes:
// browser primitives on top of chromedp, plus local OS helpers. Each task owns
// exactly one browser session, created lazily on the first browser tool call
// and released when the decision loop finalizes.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/config"
)

// BrowserSession wraps one headless-chrome instance owned by a single task.
type BrowserSession struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu             sync.Mutex
	lastHTTPStatus int
	lastLoadMs     int
}

// NewBrowserSession launches a browser. The session lives until Close; tool
// invocations pass their own (deadline-carrying) contexts per action.
func NewBrowserSession(cfg config.BrowserConfig, logger *zap.Logger) (*BrowserSession, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.RemoteDebuggingPort > 0 {
		opts = append(opts, chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", cfg.RemoteDebuggingPort)))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Spin the browser up eagerly so a broken Chrome install surfaces here,
	// not in the middle of the first navigation.
	startCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("Browser session started", zap.Bool("headless", cfg.Headless))
	return &BrowserSession{
		logger:        logger.Named("browser_session"),
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close tears the browser down. Safe to call more than once.
func (s *BrowserSession) Close() {
	s.browserCancel()
	s.allocCancel()
}

// CDPURL returns the DevTools endpoint for embedding a live browser view, or
// "" when remote debugging is not enabled.
func (s *BrowserSession) CDPURL() string {
	if s.cfg.RemoteDebuggingPort <= 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", s.cfg.RemoteDebuggingPort)
}

// run executes chromedp actions under the caller's deadline while keeping the
// long-lived browser target.
func (s *BrowserSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := mergeContext(s.browserCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// mergeContext derives a child of the browser context that is cancelled when
// the per-action context ends.
func mergeContext(browserCtx, actionCtx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(browserCtx)
	stop := context.AfterFunc(actionCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// Navigate loads a URL and records the response status and latency for the
// following observations.
func (s *BrowserSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := mergeContext(s.browserCtx, ctx)
	defer cancel()

	start := time.Now()
	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return err
	}
	status := 0
	if resp != nil {
		status = int(resp.Status)
	}
	s.setNavigationResult(status, int(time.Since(start).Milliseconds()))
	return nil
}

// setNavigationResult records the last navigation's HTTP status and latency.
func (s *BrowserSession) setNavigationResult(status, loadMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHTTPStatus = status
	s.lastLoadMs = loadMs
}

func (s *BrowserSession) navigationResult() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHTTPStatus, s.lastLoadMs
}

// CaptureScreenshot grabs the current viewport as PNG bytes, for the HTTP
// screenshot endpoint.
func (s *BrowserSession) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Observe builds a fresh environment snapshot: current URL, harvested key
// elements and the given feedback.
func (s *BrowserSession) Observe(ctx context.Context, fb schemas.ActionFeedback, memory string) *schemas.WebObservation {
	obs := &schemas.WebObservation{
		ObservationTimestampUTC: time.Now().UTC().Format(time.RFC3339),
		CurrentURL:              "about:blank",
		KeyElements:             []schemas.KeyElement{},
		LastActionFeedback:      &fb,
		MemoryContext:           memory,
		BrowserHealthStatus:     "healthy",
	}
	obs.HTTPStatusCode, obs.PageLoadTimeMs = s.navigationResult()

	obsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var url string
	var elements []schemas.KeyElement
	err := s.run(obsCtx,
		chromedp.Location(&url),
		chromedp.Evaluate(fmt.Sprintf(harvestElementsJS, s.cfg.MaxKeyElements), &elements),
	)
	if err != nil {
		s.logger.Debug("Observation harvest failed", zap.Error(err))
		obs.BrowserHealthStatus = "degraded"
		return obs
	}
	obs.CurrentURL = url
	if elements != nil {
		obs.KeyElements = elements
	}
	return obs
}

// WaitCondition blocks until a post-action condition holds: "networkidle"
// settles for a short fixed window, "selector:<css>" waits for visibility.
func (s *BrowserSession) WaitCondition(ctx context.Context, condition string) error {
	switch {
	case condition == "networkidle":
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case strings.HasPrefix(condition, "selector:"):
		sel := strings.TrimPrefix(condition, "selector:")
		return s.run(ctx, chromedp.WaitVisible(sel, chromedp.ByQuery))
	default:
		return fmt.Errorf("unknown wait condition %q", condition)
	}
}

// classifyBrowserError maps a chromedp failure onto the feedback error codes
// that drive the dispatcher's retry decision.
func classifyBrowserError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrCodeTimeout
	case err == nil:
		return "0"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::"), strings.Contains(msg, "connection refused"):
		return schemas.ErrCodeNet
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "node not found"),
		strings.Contains(msg, "waiting for selector"),
		strings.Contains(msg, "not visible"),
		strings.Contains(msg, "No node found"):
		return schemas.ErrCodeStaleDOM
	default:
		return schemas.ErrCodeNet
	}
}

// SessionHandle creates the browser lazily and hands the same instance to
// every browser tool of one task.
type SessionHandle struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu      sync.Mutex
	session *BrowserSession
	closed  bool
}

// NewSessionHandle prepares a lazy browser session for one task.
func NewSessionHandle(cfg config.BrowserConfig, logger *zap.Logger) *SessionHandle {
	return &SessionHandle{cfg: cfg, logger: logger}
}

// Get returns the live session, starting the browser on first use.
func (h *SessionHandle) Get(ctx context.Context) (*BrowserSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("browser session already released")
	}
	if h.session == nil {
		session, err := NewBrowserSession(h.cfg, h.logger)
		if err != nil {
			return nil, err
		}
		h.session = session
	}
	return h.session, nil
}

// Peek returns the session if it has been started, without starting one.
func (h *SessionHandle) Peek() *BrowserSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Release closes the browser if it was ever started. Idempotent.
func (h *SessionHandle) Release() {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.closed = true
	h.mu.Unlock()
	if session != nil {
		session.Close()
		h.logger.Info("Browser session released")
	}
}
