package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"statagent/internal/stat"
)

const maxBody = 1 << 20

// Agent is the part of the telemetry agent exposed over HTTP.
type Agent interface {
	Send(ctx context.Context, b *stat.Builder) error
	SendTraffic(ctx context.Context) error
	OnActivityResume(page string)
	OnActivityPause(page string)
	OnFragmentResume(page string)
	OnFragmentPause(page string)
	State() stat.State
}

// Resolver returns the current agent instance.
type Resolver func() (Agent, error)

type eventRequest struct {
	User   string `json:"user"`
	View   string `json:"view"`
	Action string `json:"action"`
	Target string `json:"target"`
	Result *int64 `json:"result"`
}

type timingRequest struct {
	View string `json:"view"`
	Idle *int64 `json:"idle"`
}

type exceptionRequest struct {
	Error     string `json:"error"`
	Position  string `json:"position"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Fatal     bool   `json:"fatal"`
}

// NewHandler builds the ingest route table.
// Params: resolve agent accessor; logger diagnostics.
// Returns: HTTP handler.
func NewHandler(resolve Resolver, logger *slog.Logger) http.Handler {
	h := &handler{resolve: resolve, logger: logger, now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/page/resume", h.page(Agent.OnActivityResume))
	mux.HandleFunc("/v1/page/pause", h.page(Agent.OnActivityPause))
	mux.HandleFunc("/v1/fragment/resume", h.page(Agent.OnFragmentResume))
	mux.HandleFunc("/v1/fragment/pause", h.page(Agent.OnFragmentPause))
	mux.HandleFunc("/v1/view", h.view)
	mux.HandleFunc("/v1/event", h.event)
	mux.HandleFunc("/v1/timing", h.timing)
	mux.HandleFunc("/v1/exception", h.exception)
	mux.HandleFunc("/v1/traffic/flush", h.trafficFlush)
	return mux
}

type handler struct {
	resolve Resolver
	logger  *slog.Logger
	now     func() time.Time
}

// accept checks the method and resolves the agent, writing the failure status itself.
func (h *handler) accept(w http.ResponseWriter, r *http.Request) (Agent, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	agent, err := h.resolve()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	if agent.State() == stat.StateDestroyed {
		http.Error(w, stat.ErrDestroyed.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return agent, true
}

func (h *handler) page(hook func(Agent, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := h.accept(w, r)
		if !ok {
			return
		}
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		hook(agent, name)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *handler) view(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.accept(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	h.dispatch(w, r, agent, stat.NewAppView(name))
}

func (h *handler) event(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.accept(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, agent, stat.NewEvent(req.User, req.View, req.Action, req.Target, req.Result))
}

func (h *handler) timing(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.accept(w, r)
	if !ok {
		return
	}
	var req timingRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, agent, stat.NewTiming(req.View, req.Idle))
}

func (h *handler) exception(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.accept(w, r)
	if !ok {
		return
	}
	var req exceptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Error == "" {
		http.Error(w, "error is required", http.StatusBadRequest)
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = h.now().Format(stat.TimeLayout)
	}
	fatal := "0"
	if req.Fatal {
		fatal = "1"
	}
	h.dispatch(w, r, agent, stat.NewException(req.Error, req.Position, req.Content, req.Timestamp, fatal))
}

func (h *handler) trafficFlush(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.accept(w, r)
	if !ok {
		return
	}
	if err := agent.SendTraffic(r.Context()); err != nil {
		h.fail(w, "traffic flush failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decode reads a JSON body, rejecting unknown fields.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.logger.Warn("ingest parse failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request, agent Agent, b *stat.Builder) {
	if err := agent.Send(r.Context(), b.WithLogger(h.logger)); err != nil {
		h.fail(w, "ingest send failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) fail(w http.ResponseWriter, msg string, err error) {
	h.logger.Warn(msg, slog.String("error", err.Error()))
	status := http.StatusInternalServerError
	if errors.Is(err, stat.ErrDestroyed) || errors.Is(err, stat.ErrUninitialized) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
