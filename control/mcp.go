package control

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tabrefresh/kit"
)

var (
	tabIDProp = map[string]any{"type": "string", "description": "Tab id"}
	urlProp   = map[string]any{"type": "string", "description": "Current URL of the tab"}

	settingsProp = map[string]any{
		"type":        "object",
		"description": "Session settings: is_active, interval_seconds, jitter {enabled, min_seconds, distribution}, content_watch {enabled, selector, alert_mode, threshold}",
	}
)

// RegisterMCP registers the control tools on an MCP server. They run the same
// endpoints as the HTTP routes.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_list_tabs",
		Description: "List live refresh sessions with their countdowns, and the open tabs of the backend",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, s.ops.listTabs, kit.DecodeJSON[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_get_settings",
		Description: "Get the refresh session of a tab, falling back to settings stored for its URL",
		InputSchema: kit.InputSchema(map[string]any{"tab_id": tabIDProp}, "tab_id"),
	}, s.ops.getSettings, kit.DecodeJSON[tabRef]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_toggle",
		Description: "Start (settings.is_active=true) or stop auto-refresh on a tab",
		InputSchema: kit.InputSchema(map[string]any{
			"tab_id":   tabIDProp,
			"url":      urlProp,
			"settings": settingsProp,
		}, "tab_id", "settings"),
	}, s.ops.toggle, kit.DecodeJSON[settingsRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_update_settings",
		Description: "Change the interval, jitter or content watch of a tab; an active timer restarts with the new settings",
		InputSchema: kit.InputSchema(map[string]any{
			"tab_id":   tabIDProp,
			"url":      urlProp,
			"settings": settingsProp,
		}, "tab_id", "settings"),
	}, s.ops.updateSettings, kit.DecodeJSON[settingsRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_pick_selector",
		Description: "Watch the number inside the element matching a CSS selector",
		InputSchema: kit.InputSchema(map[string]any{
			"tab_id":   tabIDProp,
			"url":      urlProp,
			"selector": map[string]any{"type": "string", "description": "CSS selector"},
			"value":    map[string]any{"type": "number", "description": "Value currently shown, if any"},
		}, "tab_id", "url", "selector"),
	}, s.ops.pickSelector, kit.DecodeJSON[selectorRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_report_value",
		Description: "Report a value read on the page and evaluate the alert rule against it",
		InputSchema: kit.InputSchema(map[string]any{
			"tab_id": tabIDProp,
			"value":  map[string]any{"type": "number"},
		}, "tab_id", "value"),
	}, s.ops.reportValue, kit.DecodeJSON[valueRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "tabrefresh_stop_alert",
		Description: "Silence the alert sound",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, s.ops.stopAlert, kit.DecodeJSON[struct{}]())
}
