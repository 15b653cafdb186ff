// Package control exposes an engine over HTTP: interceptor and breakpoint
// management, resume decisions for suspended exchanges, the certificate
// cache, recorded history, prometheus metrics and a websocket event stream.
package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/history"
)

// Server is an http.Handler serving the control API of one engine.
type Server struct {
	engine  *intercept.Engine
	history *history.Memory
	logger  intercept.Logger
	rules   *ruleSet

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

type Option func(*Server)

// WithHistory serves the records of h under /api/history.
func WithHistory(h *history.Memory) Option {
	return func(s *Server) { s.history = h }
}

// WithOriginCheck replaces the websocket origin check. By default only
// same-origin and non-browser clients may subscribe.
func WithOriginCheck(f func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = f }
}

func New(e *intercept.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		logger: e.Logger(),
		rules:  newRuleSet(),
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/interceptors", s.listInterceptors)
	s.mux.HandleFunc("PATCH /api/interceptors/{id}", s.updateInterceptor)
	s.mux.HandleFunc("DELETE /api/interceptors/{id}", s.removeInterceptor)

	s.mux.HandleFunc("GET /api/breakpoints", s.listRules)
	s.mux.HandleFunc("POST /api/breakpoints", s.addRule)
	s.mux.HandleFunc("DELETE /api/breakpoints/{id}", s.removeRule)

	s.mux.HandleFunc("GET /api/suspensions", s.listSuspensions)
	s.mux.HandleFunc("GET /api/suspensions/{id}", s.getSuspension)
	s.mux.HandleFunc("POST /api/suspensions/{id}/resume", s.resume)

	s.mux.HandleFunc("GET /api/certificates", s.listCertificates)
	s.mux.HandleFunc("DELETE /api/certificates", s.clearCertificates)

	s.mux.HandleFunc("GET /api/history", s.listHistory)
	s.mux.HandleFunc("GET /api/history/{id}", s.getHistory)

	s.mux.Handle("GET /metrics", e.Metrics().Handler())
	s.mux.HandleFunc("GET /events", s.events)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errNotFound = errors.New("not found")

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad id"))
		return 0, false
	}
	return id, true
}

func (s *Server) listInterceptors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pipeline().Entries())
}

type interceptorUpdate struct {
	Enabled  *bool `json:"enabled"`
	Priority *int  `json:"priority"`
}

func (s *Server) updateInterceptor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var u interceptorUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p := s.engine.Pipeline()
	if u.Enabled != nil && !p.SetEnabled(id, *u.Enabled) {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if u.Priority != nil && !p.SetPriority(id, *u.Priority) {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	for _, e := range p.Entries() {
		if e.ID == id {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	writeError(w, http.StatusNotFound, errNotFound)
}

func (s *Server) removeInterceptor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !s.engine.Pipeline().Remove(id) {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Breakpoints().Rules()
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, s.rules.view(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

// AddRule installs a breakpoint rule described by spec.
func (s *Server) AddRule(spec RuleSpec) (int64, error) {
	dir, err := intercept.ParseDirection(spec.Direction)
	if err != nil {
		return 0, err
	}
	cond, err := spec.Condition()
	if err != nil {
		return 0, err
	}
	name := spec.Name
	if name == "" {
		name = spec.String()
	}
	id := s.engine.Breakpoints().AddRule(name, dir, cond)
	s.rules.put(id, spec)
	s.logger.Infof(0, "Breakpoint %d added: %s", id, name)
	return id, nil
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var spec RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.AddRule(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule := intercept.BreakpointRule{ID: id}
	for _, rl := range s.engine.Breakpoints().Rules() {
		if rl.ID == id {
			rule = rl
		}
	}
	writeJSON(w, http.StatusCreated, s.rules.view(rule))
}

func (s *Server) removeRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !s.engine.Breakpoints().RemoveRule(id) {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	s.rules.delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSuspensions(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.Breakpoints().Pending()
	out := make([]suspensionView, 0, len(pending))
	for _, sp := range pending {
		out = append(out, viewSuspension(sp, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSuspension(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sp, ok := s.engine.Breakpoints().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, intercept.ErrSuspensionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewSuspension(sp, true))
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bp := s.engine.Breakpoints()
	sp, ok := bp.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, intercept.ErrSuspensionNotFound)
		return
	}
	res, err := req.Resolution(sp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := bp.Resume(id, res); err != nil {
		if errors.Is(err, intercept.ErrSuspensionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "decision": res.Decision.String()})
}

type certificateView struct {
	Host   string    `json:"host"`
	Expiry time.Time `json:"expiry"`
}

func (s *Server) listCertificates(w http.ResponseWriter, r *http.Request) {
	recs := s.engine.Certs().Records()
	out := make([]certificateView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, certificateView{Host: rec.Host, Expiry: rec.Expiry})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) clearCertificates(w http.ResponseWriter, r *http.Request) {
	s.engine.Certs().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errors.New("no history store"))
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = 100
	}
	recs := s.history.List(offset, limit)
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewRecord(rec, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errors.New("no history store"))
		return
	}
	rec, ok := s.history.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewRecord(rec, true))
}
