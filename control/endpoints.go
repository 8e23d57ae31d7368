package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tabrefresh/httptab"
	"github.com/hazyhaar/tabrefresh/kit"
	"github.com/hazyhaar/tabrefresh/session"
	"github.com/hazyhaar/tabrefresh/urlfilter"
)

// maxBody caps control request bodies.
const maxBody = 1 << 20

type tabRef struct {
	ID string `json:"tab_id"`
}

func (t *tabRef) setID(id string) { t.ID = id }

type openTabRequest struct {
	URL string `json:"url"`
	// Settings, when present, are applied to the new tab at once.
	Settings *session.Settings `json:"settings,omitempty"`
}

type settingsRequest struct {
	tabRef
	URL      string           `json:"url"`
	Settings session.Settings `json:"settings"`
}

type selectorRequest struct {
	tabRef
	URL      string   `json:"url"`
	Selector string   `json:"selector"`
	Value    *float64 `json:"value"`
}

type valueRequest struct {
	tabRef
	Value *float64 `json:"value"`
}

type navigatedRequest struct {
	tabRef
	URL string `json:"url"`
}

// operations are the control endpoints shared by HTTP and MCP.
type operations struct {
	openTab        kit.Endpoint
	closeTab       kit.Endpoint
	listTabs       kit.Endpoint
	getSettings    kit.Endpoint
	toggle         kit.Endpoint
	updateSettings kit.Endpoint
	pickSelector   kit.Endpoint
	reportValue    kit.Endpoint
	navigated      kit.Endpoint
	stopAlert      kit.Endpoint
	getFilters     kit.Endpoint
	setFilters     kit.Endpoint
}

func (s *Server) buildOperations() operations {
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Logging(s.logger, name)(ep)
	}
	return operations{
		openTab:        wrap("open_tab", s.openTab),
		closeTab:       wrap("close_tab", s.closeTab),
		listTabs:       wrap("list_tabs", s.listTabs),
		getSettings:    wrap("get_settings", s.getSettings),
		toggle:         wrap("toggle", s.toggle),
		updateSettings: wrap("update_settings", s.updateSettings),
		pickSelector:   wrap("pick_selector", s.pickSelector),
		reportValue:    wrap("report_value", s.reportValue),
		navigated:      wrap("navigated", s.navigated),
		stopAlert:      wrap("stop_alert", s.stopAlert),
		getFilters:     wrap("get_filters", s.getFilters),
		setFilters:     wrap("set_filters", s.setFilters),
	}
}

func (s *Server) openTab(ctx context.Context, req any) (any, error) {
	r := req.(*openTabRequest)
	if s.cfg.Tabs == nil {
		return nil, errNoBackend
	}
	if strings.TrimSpace(r.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", errBadRequest)
	}
	id, err := s.cfg.Tabs.Open(ctx, r.URL)
	if err != nil {
		return nil, fmt.Errorf("control: open tab: %w", err)
	}
	if r.Settings != nil {
		if err := s.cfg.Scheduler.UpdateSettings(ctx, id, r.URL, *r.Settings); err != nil {
			return nil, err
		}
	}
	return map[string]string{"tab_id": id, "url": r.URL}, nil
}

// closeTab closes the backend tab if there is one, then ends the session.
// A tab already gone still ends the session.
func (s *Server) closeTab(ctx context.Context, req any) (any, error) {
	r := req.(*tabRef)
	if s.cfg.Tabs != nil {
		if err := s.cfg.Tabs.Close(ctx, r.ID); err != nil && !errors.Is(err, session.ErrTabGone) {
			return nil, fmt.Errorf("control: close tab: %w", err)
		}
	}
	s.cfg.Scheduler.OnTabRemoved(ctx, r.ID)
	return map[string]string{"status": "closed"}, nil
}

func (s *Server) listTabs(ctx context.Context, _ any) (any, error) {
	resp := map[string]any{"sessions": s.cfg.Scheduler.Sessions()}
	if s.cfg.Tabs != nil {
		tabs, err := s.cfg.Tabs.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("control: list tabs: %w", err)
		}
		resp["tabs"] = tabs
	}
	return resp, nil
}

func (s *Server) getSettings(ctx context.Context, req any) (any, error) {
	r := req.(*tabRef)
	if r.ID == "" {
		return nil, fmt.Errorf("%w: tab_id is required", errBadRequest)
	}
	sess, err := s.cfg.Scheduler.GetSessionSettings(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no session for tab %s", errNotFound, r.ID)
	}
	return sess, nil
}

func (s *Server) toggle(ctx context.Context, req any) (any, error) {
	r := req.(*settingsRequest)
	if err := s.cfg.Scheduler.Toggle(ctx, r.ID, r.URL, r.Settings); err != nil {
		return nil, err
	}
	return s.current(ctx, r.ID)
}

func (s *Server) updateSettings(ctx context.Context, req any) (any, error) {
	r := req.(*settingsRequest)
	if err := s.cfg.Scheduler.UpdateSettings(ctx, r.ID, r.URL, r.Settings); err != nil {
		return nil, err
	}
	return s.current(ctx, r.ID)
}

func (s *Server) pickSelector(ctx context.Context, req any) (any, error) {
	r := req.(*selectorRequest)
	if err := httptab.ValidateSelector(r.Selector); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.cfg.Scheduler.NotifySelectorPicked(ctx, r.ID, r.URL, r.Selector, r.Value); err != nil {
		return nil, err
	}
	return s.current(ctx, r.ID)
}

func (s *Server) reportValue(ctx context.Context, req any) (any, error) {
	r := req.(*valueRequest)
	if r.Value == nil {
		return nil, fmt.Errorf("%w: value is required", errBadRequest)
	}
	v, err := s.cfg.Scheduler.ReportValue(ctx, r.ID, *r.Value)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"alert":     v.Alert,
		"old_value": v.Old,
		"new_value": v.New,
	}, nil
}

func (s *Server) navigated(ctx context.Context, req any) (any, error) {
	r := req.(*navigatedRequest)
	if r.ID == "" || r.URL == "" {
		return nil, fmt.Errorf("%w: tab_id and url are required", errBadRequest)
	}
	s.cfg.Scheduler.OnNavigated(ctx, r.ID, r.URL)
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) stopAlert(context.Context, any) (any, error) {
	s.cfg.Scheduler.StopAlert()
	return map[string]string{"status": "stopped"}, nil
}

func (s *Server) getFilters(context.Context, any) (any, error) {
	if s.cfg.Filter == nil {
		return nil, errNoBackend
	}
	return s.cfg.Filter.Lists(), nil
}

// setFilters replaces both lists. Blank patterns are dropped.
func (s *Server) setFilters(ctx context.Context, req any) (any, error) {
	if s.cfg.Filter == nil {
		return nil, errNoBackend
	}
	in := req.(*urlfilter.Lists)
	var l urlfilter.Lists
	for _, p := range in.Allowlist {
		if strings.TrimSpace(p) != "" {
			l.Add("allow", p)
		}
	}
	for _, p := range in.Denylist {
		if strings.TrimSpace(p) != "" {
			l.Add("deny", p)
		}
	}
	if s.cfg.FilterStore != nil {
		if err := urlfilter.SaveLists(ctx, s.cfg.FilterStore, l); err != nil {
			return nil, fmt.Errorf("control: save filters: %w", err)
		}
	}
	s.cfg.Filter.SetLists(l)
	return s.cfg.Filter.Lists(), nil
}

// current returns the session after a mutation, or a bare id when the
// session ended with it.
func (s *Server) current(ctx context.Context, id string) (any, error) {
	sess, err := s.cfg.Scheduler.GetSessionSettings(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return map[string]string{"tab_id": id}, nil
	}
	return sess, nil
}

// HTTP decoders.

func noBody(*http.Request) (any, error) { return nil, nil }

func pathID(r *http.Request) (any, error) {
	return &tabRef{ID: chi.URLParam(r, "id")}, nil
}

func decodeBody[T any](r *http.Request) (any, error) {
	v := new(T)
	if err := readJSON(r, v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeTab decodes the body and takes the tab id from the path.
func decodeTab[T any, PT interface {
	*T
	setID(string)
}](r *http.Request) (any, error) {
	v := PT(new(T))
	if err := readJSON(r, v); err != nil {
		return nil, err
	}
	v.setID(chi.URLParam(r, "id"))
	return v, nil
}

// readJSON decodes the request body into v. An empty body leaves v zero.
func readJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
