// Package plotter provides an HTTP interface to a pen plotter
package plotter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/nasa-jpl/drawpi/generichttp"
	"github.com/nasa-jpl/drawpi/generichttp/locker"
	"github.com/nasa-jpl/drawpi/homing"
	"github.com/nasa-jpl/drawpi/plotter"
	"github.com/nasa-jpl/drawpi/point"
	"github.com/nasa-jpl/drawpi/program"
	"github.com/nasa-jpl/drawpi/util"
)

var (
	errClamped = errors.New("requested position violates software limits, aborted")

	errBusy = errors.New("a program is already running")
)

// Move is the body of a goto or line request, in mm.  Lines start from the
// current position unless StartX and StartY are both given.
type Move struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Feedrate float64  `json:"feedrate,omitempty"`
	StartX   *float64 `json:"startX,omitempty"`
	StartY   *float64 `json:"startY,omitempty"`
}

// ProgramStatus reports on the program run in the background
type ProgramStatus struct {
	Running  bool   `json:"running"`
	Commands int    `json:"commands"`
	Err      string `json:"error,omitempty"`
}

// HTTPPlotter wraps a plotter in an HTTP interface.  Programs run in the
// background and hold the lock while they run, so motion requests are
// refused with 423 until they finish or are stopped.
type HTTPPlotter struct {
	P *plotter.Plotter

	RouteTable generichttp.RouteTable

	Lock *locker.Locker

	log *log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	program ProgramStatus
}

// NewHTTPPlotter returns a new HTTP wrapper with the route table pre-populated
func NewHTTPPlotter(p *plotter.Plotter, l *log.Logger) *HTTPPlotter {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "stop")
	h := &HTTPPlotter{P: p, Lock: lock, log: l}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/pos"}:      h.Status,
		{Method: http.MethodPost, Path: "/goto"}:    h.Goto,
		{Method: http.MethodPost, Path: "/line"}:    h.Line,
		{Method: http.MethodPost, Path: "/pen"}:     generichttp.SetBool(h.setPen),
		{Method: http.MethodGet, Path: "/pen"}:      generichttp.GetBool(func() (bool, error) { return p.PenIsDown(), nil }),
		{Method: http.MethodPost, Path: "/home"}:    h.Home,
		{Method: http.MethodPost, Path: "/stop"}:    h.Stop,
		{Method: http.MethodGet, Path: "/idle"}:     generichttp.GetBool(func() (bool, error) { return p.Idle(), nil }),
		{Method: http.MethodPost, Path: "/program"}: h.StartProgram,
		{Method: http.MethodGet, Path: "/program"}:  h.ProgramStatus,
	}
	locker.Inject(h, lock)
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPPlotter) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Wait blocks until the background program, if any, has finished
func (h *HTTPPlotter) Wait() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// respondErr maps plotter errors onto HTTP statuses
func respondErr(w http.ResponseWriter, err error) {
	var (
		ce  *plotter.ConfigError
		cmd *plotter.CommandError
	)
	code := http.StatusInternalServerError
	if errors.As(err, &ce) || errors.As(err, &cmd) {
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

// Status returns the position and state of the plotter
func (h *HTTPPlotter) Status(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.P.Status())
}

func decodeMove(r *http.Request) (Move, error) {
	var m Move
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(&m)
	return m, err
}

// Goto moves to {"x": mm, "y": mm}
func (h *HTTPPlotter) Goto(w http.ResponseWriter, r *http.Request) {
	m, err := decodeMove(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target := point.FromMM(m.X, m.Y, h.P.Converter())
	if err := h.P.Goto(r.Context(), target); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Line draws a line to {"x": mm, "y": mm} at {"feedrate": mm/s}, or the
// default feed rate of programs if none is given
func (h *HTTPPlotter) Line(w http.ResponseWriter, r *http.Request) {
	m, err := decodeMove(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c := h.P.Converter()
	start := h.P.Position()
	if m.StartX != nil && m.StartY != nil {
		start = point.FromMM(*m.StartX, *m.StartY, c)
	}
	end := point.FromMM(m.X, m.Y, c)
	if m.Feedrate == 0 {
		m.Feedrate = program.DefaultFeedrate
	}
	if err := h.P.Line(r.Context(), start, end, m.Feedrate); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPPlotter) setPen(down bool) error {
	if down {
		return h.P.PenDown(context.Background())
	}
	return h.P.PenUp(context.Background())
}

// Home homes the plotter and returns the result of each axis
func (h *HTTPPlotter) Home(w http.ResponseWriter, r *http.Request) {
	res, err := h.P.Home(r.Context())
	var f *homing.Failure
	if err != nil && !errors.As(err, &f) {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if f != nil {
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(res)
}

// Stop cancels the running program, if any, and stops the plotter.  A
// hardware fault is cleared once the program has ended, so the plotter
// accepts motion again.
func (h *HTTPPlotter) Stop(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := h.P.Stop(); err != nil {
		respondErr(w, err)
		return
	}
	h.Wait()
	if err := h.P.Reset(); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StartProgram decodes a yaml or json program from the body, validates it,
// and runs it in the background.  It responds 202 once the program has
// started.
func (h *HTTPPlotter) StartProgram(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	cmds, err := program.Decode(r.Body, h.P.Converter())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.P.Validate(cmds); err != nil {
		respondErr(w, err)
		return
	}

	h.mu.Lock()
	if h.program.Running {
		h.mu.Unlock()
		http.Error(w, errBusy.Error(), http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.cancel, h.done = cancel, done
	h.program = ProgramStatus{Running: true, Commands: len(cmds)}
	h.mu.Unlock()

	h.Lock.Lock()
	go func() {
		defer close(done)
		defer h.Lock.Unlock()
		err := h.P.Run(ctx, cmds)
		h.mu.Lock()
		h.program.Running = false
		if err != nil {
			h.program.Err = err.Error()
			h.log.Println("program failed:", err)
		}
		h.cancel = nil
		h.mu.Unlock()
		cancel()
	}()
	w.WriteHeader(http.StatusAccepted)
}

// ProgramStatus reports whether a program is running and how the last one
// ended
func (h *HTTPPlotter) ProgramStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	st := h.program
	h.mu.Unlock()
	generichttp.RespondJSON(w, st)
}

// LimitMiddleware is a type that can impose axis-specific limits on motion.
// Goto and line requests outside the limits are refused with 400.
type LimitMiddleware struct {
	// Limits contains the server imposed limits in mm, keyed by "X" and "Y"
	Limits map[string]util.Limiter
}

// Check verifies if a motion would violate an axis limit, and if it would,
// responds with StatusBadRequest; otherwise flows control to the next handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost ||
			!(strings.HasSuffix(r.URL.Path, "/goto") || strings.HasSuffix(r.URL.Path, "/line")) {
			next.ServeHTTP(w, r)
			return
		}
		// downstream handlers want the body too
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		var m Move
		if err := json.Unmarshal(body, &m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		checks := []struct {
			axis string
			v    *float64
		}{{"X", &m.X}, {"Y", &m.Y}, {"X", m.StartX}, {"Y", m.StartY}}
		for _, c := range checks {
			if c.v == nil {
				continue
			}
			if lim, ok := l.Limits[c.axis]; ok && !lim.Check(*c.v) {
				http.Error(w, errClamped.Error(), http.StatusBadRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a GET /limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/limits"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, l.Limits)
	}
}
