package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/nugget/steward/internal/tools"
)

// ToolName is the name the browser tool registers under.
const ToolName = "browser_use"

// Actions accepted by the tool.
const (
	ActionNavigate  = "navigate"
	ActionGetText   = "get_text"
	ActionGetHTML   = "get_html"
	ActionReadLinks = "read_links"
	ActionScroll    = "scroll"
	ActionNewTab    = "new_tab"
	ActionSwitchTab = "switch_tab"
	ActionCloseTab  = "close_tab"
	ActionRefresh   = "refresh"
)

// unsupported actions need a rendering engine.
var unsupported = map[string]bool{
	"click":      true,
	"input_text": true,
	"execute_js": true,
	"screenshot": true,
}

var actions = []string{
	ActionNavigate, ActionGetText, ActionGetHTML, ActionReadLinks,
	ActionScroll, ActionNewTab, ActionSwitchTab, ActionCloseTab, ActionRefresh,
}

// NewTool exposes b as the browser_use tool. The tool's Cleanup closes
// the browser's tabs.
func NewTool(b *Browser) *tools.Tool {
	return &tools.Tool{
		Name: ToolName,
		Description: "Read web pages. Navigate to a URL first, then use get_text (preferred) " +
			"or get_html in a separate call to read it. read_links lists the page's links. " +
			"Pages are not rendered: click, input_text, execute_js and screenshot are unavailable.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"action": {
					Type:        jsonschema.String,
					Description: "The browser action to perform.",
					Enum:        actions,
				},
				"url": {
					Type:        jsonschema.String,
					Description: "URL for navigate or new_tab.",
				},
				"scroll_amount": {
					Type:        jsonschema.Integer,
					Description: "Pixels to scroll; negative scrolls up.",
				},
				"tab_id": {
					Type:        jsonschema.Integer,
					Description: "Tab index for switch_tab.",
				},
			},
			Required: []string{"action"},
		},
		Handler: b.handle,
		Cleanup: b.Cleanup,
	}
}

func (b *Browser) handle(ctx context.Context, args map[string]any) (string, error) {
	action := strings.ToLower(tools.StringArg(args, "action"))
	rawURL := tools.StringArg(args, "url")

	switch action {
	case ActionNavigate:
		return b.Navigate(ctx, rawURL)

	case ActionGetText, ActionGetHTML:
		// Models often pass the URL along with the read. Load it first
		// instead of reading whatever page happens to be open.
		if rawURL != "" {
			b.logger.Debug("navigating before read", "action", action, "url", rawURL)
			if _, err := b.Navigate(ctx, rawURL); err != nil {
				return "", err
			}
		}
		if action == ActionGetText {
			return b.Text()
		}
		return b.HTML()

	case ActionReadLinks:
		links, err := b.Links()
		if err != nil {
			return "", err
		}
		if len(links) == 0 {
			return "No links found.", nil
		}
		var sb strings.Builder
		for i, l := range links {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%s %s", l.Text, l.URL)
		}
		return sb.String(), nil

	case ActionScroll:
		amount := tools.IntArg(args, "scroll_amount", 0)
		if amount == 0 {
			return "", fmt.Errorf("scroll_amount is required for %q", action)
		}
		return b.Scroll(amount)

	case ActionNewTab:
		if rawURL == "" {
			return "", fmt.Errorf("url is required for %q", action)
		}
		return b.NewTab(ctx, rawURL)

	case ActionSwitchTab:
		id := tools.IntArg(args, "tab_id", -1)
		if id < 0 {
			return "", fmt.Errorf("tab_id is required for %q", action)
		}
		return b.SwitchTab(id)

	case ActionCloseTab:
		return b.CloseTab()

	case ActionRefresh:
		return b.Refresh(ctx)

	case "":
		return "", fmt.Errorf("action is required (valid: %s)", strings.Join(actions, ", "))
	}

	if unsupported[action] {
		return "", fmt.Errorf("action %q is not supported: pages are fetched, not rendered", action)
	}
	return "", fmt.Errorf("unknown action %q (valid: %s)", action, strings.Join(actions, ", "))
}
