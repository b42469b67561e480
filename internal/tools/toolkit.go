package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/config"
	"github.com/likeaw/ai-web-agent-industrial/internal/dispatch"
	"github.com/likeaw/ai-web-agent-industrial/internal/paths"
)

// Toolkit binds the tool implementations of one task to its browser session
// handle and artifact path builder.
type Toolkit struct {
	handle *SessionHandle
	paths  *paths.Builder
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewToolkit creates the per-task toolkit.
func NewToolkit(handle *SessionHandle, builder *paths.Builder, cfg config.BrowserConfig, logger *zap.Logger) *Toolkit {
	return &Toolkit{
		handle: handle,
		paths:  builder,
		cfg:    cfg,
		logger: logger.Named("toolkit"),
	}
}

// funcTool adapts a closure into the dispatch.Tool contract.
type funcTool struct {
	name   string
	guide  string
	args   []dispatch.ArgSpec
	invoke func(ctx context.Context, args map[string]any) (*schemas.WebObservation, schemas.ActionFeedback)
	wait   func(ctx context.Context, condition string) error
}

func (t *funcTool) Name() string             { return t.name }
func (t *funcTool) Guide() string            { return t.guide }
func (t *funcTool) Args() []dispatch.ArgSpec { return t.args }

func (t *funcTool) Invoke(ctx context.Context, args map[string]any) (*schemas.WebObservation, schemas.ActionFeedback) {
	return t.invoke(ctx, args)
}

func (t *funcTool) WaitCondition(ctx context.Context, condition string) error {
	if t.wait == nil {
		return nil
	}
	return t.wait(ctx, condition)
}

// RegisterAll registers the complete tool surface with the dispatcher.
func (k *Toolkit) RegisterAll(reg *dispatch.Registry) {
	for _, tool := range k.All() {
		reg.Register(tool)
	}
}

// All returns the toolkit's tools.
func (k *Toolkit) All() []dispatch.Tool {
	return []dispatch.Tool{
		k.navigateTool(),
		k.clickElementTool(),
		k.clickNthTool(),
		k.typeTextTool(),
		k.scrollTool(),
		k.waitTool(),
		k.waitForTool(),
		k.extractDataTool(),
		k.getAttributeTool(),
		k.screenshotTool(),
		k.findLinkTool(),
		k.notepadTool(),
	}
}

// waitCondition delegates post-action waits to the live session.
func (k *Toolkit) waitCondition(ctx context.Context, condition string) error {
	session := k.handle.Peek()
	if session == nil {
		return nil
	}
	return session.WaitCondition(ctx, condition)
}

// browserTool wraps a session-backed operation: it acquires the lazy session,
// runs the operation and harvests a fresh observation afterwards.
func (k *Toolkit) browserTool(
	name, guide string,
	args []dispatch.ArgSpec,
	op func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback,
) dispatch.Tool {
	return &funcTool{
		name:  name,
		guide: guide,
		args:  args,
		wait:  k.waitCondition,
		invoke: func(ctx context.Context, callArgs map[string]any) (*schemas.WebObservation, schemas.ActionFeedback) {
			session, err := k.handle.Get(ctx)
			if err != nil {
				fb := schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeNet,
					Message:   fmt.Sprintf("browser unavailable: %v", err),
				}
				return localObservation("local://browser", fb, "browser session failure"), fb
			}
			fb := op(ctx, session, callArgs)
			return session.Observe(ctx, fb, fmt.Sprintf("tool %s executed", name)), fb
		},
	}
}

func browserFailure(tool string, err error) schemas.ActionFeedback {
	return schemas.ActionFeedback{
		Status:    schemas.FeedbackFailed,
		ErrorCode: classifyBrowserError(err),
		Message:   fmt.Sprintf("%s failed: %v", tool, err),
	}
}

func browserSuccess(message string) schemas.ActionFeedback {
	return schemas.ActionFeedback{Status: schemas.FeedbackSuccess, ErrorCode: "0", Message: message}
}

func (k *Toolkit) navigateTool() dispatch.Tool {
	return k.browserTool(
		"navigate_to",
		"navigate_to(url): load a full URL, e.g. {\"url\": \"https://example.com\"}",
		[]dispatch.ArgSpec{{Name: "url", Type: dispatch.ArgString, Required: true}},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			url := argString(args, "url", "")
			if err := s.Navigate(ctx, url); err != nil {
				return browserFailure("navigate_to", err)
			}
			return browserSuccess(url)
		},
	)
}

func (k *Toolkit) clickElementTool() dispatch.Tool {
	return k.browserTool(
		"click_element",
		"click_element(xpath): click the element addressed by an XPath expression",
		[]dispatch.ArgSpec{{Name: "xpath", Type: dispatch.ArgString, Required: true}},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			xpath := argString(args, "xpath", "")
			if err := s.run(ctx, chromedp.Click(xpath, chromedp.BySearch)); err != nil {
				return browserFailure("click_element", err)
			}
			return browserSuccess("clicked " + xpath)
		},
	)
}

func (k *Toolkit) clickNthTool() dispatch.Tool {
	return k.browserTool(
		"click_nth",
		"click_nth(selector, index): click the 0-based index-th match of a CSS selector",
		[]dispatch.ArgSpec{
			{Name: "selector", Type: dispatch.ArgString, Required: true},
			{Name: "index", Type: dispatch.ArgInteger, Required: true},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			selector := argString(args, "selector", "")
			index := argInt(args, "index", 0)
			var clicked bool
			script := fmt.Sprintf(clickNthJS, selector, index)
			if err := s.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
				return browserFailure("click_nth", err)
			}
			if !clicked {
				return schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeStaleDOM,
					Message:   fmt.Sprintf("selector %q has no match at index %d", selector, index),
				}
			}
			return browserSuccess(fmt.Sprintf("clicked match %d of %q", index, selector))
		},
	)
}

func (k *Toolkit) typeTextTool() dispatch.Tool {
	return k.browserTool(
		"type_text",
		"type_text(xpath, text, press_enter?): focus an element by XPath and type text; press_enter submits",
		[]dispatch.ArgSpec{
			{Name: "xpath", Type: dispatch.ArgString, Required: true},
			{Name: "text", Type: dispatch.ArgString, Required: true},
			{Name: "press_enter", Type: dispatch.ArgBool},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			xpath := argString(args, "xpath", "")
			text := argString(args, "text", "")
			actions := []chromedp.Action{
				chromedp.Click(xpath, chromedp.BySearch),
				chromedp.SendKeys(xpath, text, chromedp.BySearch),
			}
			if argBool(args, "press_enter", false) {
				actions = append(actions, chromedp.SendKeys(xpath, kb.Enter, chromedp.BySearch))
			}
			if err := s.run(ctx, actions...); err != nil {
				return browserFailure("type_text", err)
			}
			return browserSuccess(fmt.Sprintf("typed %d characters into %s", len(text), xpath))
		},
	)
}

func (k *Toolkit) scrollTool() dispatch.Tool {
	return k.browserTool(
		"scroll",
		"scroll(direction, amount?): direction is up|down|top|bottom, amount is pixels for up/down",
		[]dispatch.ArgSpec{
			{Name: "direction", Type: dispatch.ArgString, Required: true, Enum: []string{"up", "down", "top", "bottom"}},
			{Name: "amount", Type: dispatch.ArgInteger},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			direction := argString(args, "direction", "down")
			amount := argInt(args, "amount", 600)
			var ok bool
			script := fmt.Sprintf(scrollJS, direction, amount)
			if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
				return browserFailure("scroll", err)
			}
			return browserSuccess("scrolled " + direction)
		},
	)
}

// waitTool sleeps without requiring a browser; it is usable before the first
// navigation and inside correction plans.
func (k *Toolkit) waitTool() dispatch.Tool {
	return &funcTool{
		name:  "wait",
		guide: "wait(seconds): pause for a number of seconds (fractions allowed)",
		args:  []dispatch.ArgSpec{{Name: "seconds", Type: dispatch.ArgNumber, Required: true}},
		invoke: func(ctx context.Context, args map[string]any) (*schemas.WebObservation, schemas.ActionFeedback) {
			seconds := argFloat(args, "seconds", 1)
			var fb schemas.ActionFeedback
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				fb = browserSuccess(fmt.Sprintf("waited %.1fs", seconds))
			case <-ctx.Done():
				fb = schemas.ActionFeedback{
					Status:    schemas.FeedbackTimeout,
					ErrorCode: schemas.ErrCodeTimeout,
					Message:   "wait interrupted by timeout",
				}
			}
			return k.observe(ctx, fb, "local wait"), fb
		},
	}
}

func (k *Toolkit) waitForTool() dispatch.Tool {
	return k.browserTool(
		"wait_for",
		"wait_for(condition): block until a condition holds, e.g. \"networkidle\" or \"selector:#results\"",
		[]dispatch.ArgSpec{{Name: "condition", Type: dispatch.ArgString, Required: true}},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			condition := argString(args, "condition", "")
			if err := s.WaitCondition(ctx, condition); err != nil {
				return browserFailure("wait_for", err)
			}
			return browserSuccess("condition met: " + condition)
		},
	)
}

func (k *Toolkit) extractDataTool() dispatch.Tool {
	return k.browserTool(
		"extract_data",
		"extract_data(selector?, attribute?, limit?): collect text|href|value of matching elements; returns one item per line",
		[]dispatch.ArgSpec{
			{Name: "selector", Type: dispatch.ArgString},
			{Name: "attribute", Type: dispatch.ArgString, Enum: []string{"text", "href", "value"}},
			{Name: "limit", Type: dispatch.ArgInteger},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			selector := argString(args, "selector", "a")
			attribute := argString(args, "attribute", "text")
			limit := argInt(args, "limit", 20)

			var items []string
			script := fmt.Sprintf(extractDataJS, selector, limit, attribute)
			if err := s.run(ctx, chromedp.Evaluate(script, &items)); err != nil {
				return browserFailure("extract_data", err)
			}
			if len(items) == 0 {
				return schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeStaleDOM,
					Message:   fmt.Sprintf("no elements matched selector %q", selector),
				}
			}
			return browserSuccess(strings.Join(items, "\n"))
		},
	)
}

func (k *Toolkit) getAttributeTool() dispatch.Tool {
	return k.browserTool(
		"get_element_attribute",
		"get_element_attribute(xpath, attribute): read one attribute (or \"text\") of an element",
		[]dispatch.ArgSpec{
			{Name: "xpath", Type: dispatch.ArgString, Required: true},
			{Name: "attribute", Type: dispatch.ArgString, Required: true},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			xpath := argString(args, "xpath", "")
			attribute := argString(args, "attribute", "")

			if attribute == "text" {
				var text string
				if err := s.run(ctx, chromedp.Text(xpath, &text, chromedp.BySearch)); err != nil {
					return browserFailure("get_element_attribute", err)
				}
				return browserSuccess(text)
			}

			var value string
			var ok bool
			if err := s.run(ctx, chromedp.AttributeValue(xpath, attribute, &value, &ok, chromedp.BySearch)); err != nil {
				return browserFailure("get_element_attribute", err)
			}
			if !ok {
				return schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeStaleDOM,
					Message:   fmt.Sprintf("element %s has no attribute %q", xpath, attribute),
				}
			}
			return browserSuccess(value)
		},
	)
}

func (k *Toolkit) screenshotTool() dispatch.Tool {
	return k.browserTool(
		"take_screenshot",
		"take_screenshot(task_topic, full_page?): capture the page to a png and return its absolute path",
		[]dispatch.ArgSpec{
			{Name: "task_topic", Type: dispatch.ArgString, Required: true},
			{Name: "full_page", Type: dispatch.ArgBool},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			topic := argString(args, "task_topic", "screenshot")

			var buf []byte
			var action chromedp.Action
			if argBool(args, "full_page", false) {
				action = chromedp.FullScreenshot(&buf, 90)
			} else {
				action = chromedp.CaptureScreenshot(&buf)
			}
			if err := s.run(ctx, action); err != nil {
				return browserFailure("take_screenshot", err)
			}

			path, err := k.paths.ScreenshotPath(topic)
			if err != nil {
				return schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeBadArg,
					Message:   err.Error(),
				}
			}
			if err := os.WriteFile(path, buf, 0o644); err != nil {
				return schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeBadArg,
					Message:   fmt.Sprintf("failed to write screenshot: %v", err),
				}
			}
			return browserSuccess(path)
		},
	)
}

func (k *Toolkit) findLinkTool() dispatch.Tool {
	return k.browserTool(
		"find_link_by_text",
		"find_link_by_text(keyword, limit?): list links whose text contains the keyword as [{text, href}]",
		[]dispatch.ArgSpec{
			{Name: "keyword", Type: dispatch.ArgString, Required: true},
			{Name: "limit", Type: dispatch.ArgInteger},
		},
		func(ctx context.Context, s *BrowserSession, args map[string]any) schemas.ActionFeedback {
			keyword := argString(args, "keyword", "")
			limit := argInt(args, "limit", 10)

			var links []struct {
				Text string `json:"text"`
				Href string `json:"href"`
			}
			script := fmt.Sprintf(findLinksJS, keyword, limit)
			if err := s.run(ctx, chromedp.Evaluate(script, &links)); err != nil {
				return browserFailure("find_link_by_text", err)
			}
			if len(links) == 0 {
				return schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeStaleDOM,
					Message:   fmt.Sprintf("no links matched keyword %q", keyword),
				}
			}
			encoded, err := json.MarshalToString(links)
			if err != nil {
				return browserFailure("find_link_by_text", err)
			}
			return browserSuccess(encoded)
		},
	)
}

// observe returns a fresh observation from the live browser when one exists,
// and a minimal local one otherwise.
func (k *Toolkit) observe(ctx context.Context, fb schemas.ActionFeedback, memory string) *schemas.WebObservation {
	if session := k.handle.Peek(); session != nil {
		return session.Observe(ctx, fb, memory)
	}
	return localObservation("local://agent", fb, memory)
}

// localObservation builds an observation for tools that never touch the page.
func localObservation(url string, fb schemas.ActionFeedback, memory string) *schemas.WebObservation {
	status := 200
	if fb.Status != schemas.FeedbackSuccess {
		status = 500
	}
	return &schemas.WebObservation{
		ObservationTimestampUTC: time.Now().UTC().Format(time.RFC3339),
		CurrentURL:              url,
		HTTPStatusCode:          status,
		KeyElements:             []schemas.KeyElement{},
		LastActionFeedback:      &fb,
		MemoryContext:           memory,
		BrowserHealthStatus:     "healthy",
	}
}
