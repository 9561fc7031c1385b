package proxies

import (
	"context"
	"net/url"
	"strings"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
)

// BrowserNavigateArgs are the arguments of browser.navigate.
type BrowserNavigateArgs struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil,omitempty"` // load, domcontentloaded or networkidle
}

// BrowserClickArgs are the arguments of browser.click.
type BrowserClickArgs struct {
	Selector string `json:"selector"`
}

// BrowserTypeArgs are the arguments of browser.type.
type BrowserTypeArgs struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// BrowserScreenshotArgs are the arguments of browser.screenshot.
type BrowserScreenshotArgs struct {
	Selector string `json:"selector,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
}

// BrowserEvaluateArgs are the arguments of browser.evaluate.
type BrowserEvaluateArgs struct {
	Script string `json:"script"`
}

var waitUntilValues = map[string]struct{}{"": {}, "load": {}, "domcontentloaded": {}, "networkidle": {}}

// BrowserProxy drives the browser running on a box.
type BrowserProxy struct {
	exec Executor
}

func NewBrowserProxy(exec Executor) *BrowserProxy {
	return &BrowserProxy{exec: exec}
}

func (p *BrowserProxy) Navigate(ctx context.Context, boxID string, args BrowserNavigateArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	u, err := url.Parse(args.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidArgs("url must be an absolute http(s) URL")
	}
	if _, ok := waitUntilValues[args.WaitUntil]; !ok {
		return invalidArgs("unsupported waitUntil %q", args.WaitUntil)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBrowserNavigate, args, opts)
}

func (p *BrowserProxy) Click(ctx context.Context, boxID string, args BrowserClickArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if strings.TrimSpace(args.Selector) == "" {
		return invalidArgs("selector is required")
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBrowserClick, args, opts)
}

func (p *BrowserProxy) Type(ctx context.Context, boxID string, args BrowserTypeArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if strings.TrimSpace(args.Selector) == "" {
		return invalidArgs("selector is required")
	}
	if len(args.Text) > maxInlineBytes {
		return invalidArgs("text exceeds %d bytes", maxInlineBytes)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBrowserType, args, opts)
}

// Screenshot captures the page, or one element when Selector is set. The
// result carries a base64 image.
func (p *BrowserProxy) Screenshot(ctx context.Context, boxID string, args BrowserScreenshotArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if args.Selector != "" && args.FullPage {
		return invalidArgs("fullPage and selector are mutually exclusive")
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBrowserScreenshot, args, opts)
}

func (p *BrowserProxy) Evaluate(ctx context.Context, boxID string, args BrowserEvaluateArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if strings.TrimSpace(args.Script) == "" {
		return invalidArgs("script is required")
	}
	if len(args.Script) > maxScriptLength {
		return invalidArgs("script exceeds %d bytes", maxScriptLength)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBrowserEvaluate, args, opts)
}

// Content returns the current page HTML.
func (p *BrowserProxy) Content(ctx context.Context, boxID string, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBrowserContent, nil, opts)
}
