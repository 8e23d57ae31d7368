package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockNames maps CDP resource types to the names used in configuration.
var blockNames = map[proto.NetworkResourceType]string{
	proto.NetworkResourceTypeImage:      "images",
	proto.NetworkResourceTypeFont:       "fonts",
	proto.NetworkResourceTypeMedia:      "media",
	proto.NetworkResourceTypeStylesheet: "stylesheets",
}

// blocker decides which requests a refreshed tab skips.
type blocker map[string]bool

func newBlocker(kinds []string) blocker {
	b := make(blocker, len(kinds))
	for _, k := range kinds {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			b[k] = true
		}
	}
	return b
}

func (b blocker) blocks(t proto.NetworkResourceType) bool {
	if name, ok := blockNames[t]; ok && b[name] {
		return true
	}
	return b[strings.ToLower(string(t))]
}

// hijack installs request interception on page. The returned router must be
// stopped when the page closes.
func (b blocker) hijack(page *rod.Page) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if b.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
