// Package sniffer exposes an HTTP endpoint for operator-driven bus
// inspection: starting and stopping change-only capture, dumping a
// monitor's captured changelog as JSON, and issuing one-off READ/WRITE
// transactions against a live connection.
package sniffer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dulitz/finitude/pkg/frame"
	"github.com/dulitz/finitude/pkg/monitor"
)

// transactionTimeout bounds how long a single READ/WRITE attempt waits
// for a correlated reply before the handler gives up and reports no
// answer.
const transactionTimeout = 2 * time.Second

// transactionRetries is the total number of attempts made for an
// injected transaction (the first try plus up to three retries after a
// timeout), since listen-before-talk arbitration may need several
// ACK06 windows before it finds one free to transmit in.
const transactionRetries = 4

// Server answers operator requests against a fixed set of monitors,
// named the way they appear in the daemon's configuration.
type Server struct {
	monitors map[string]*monitor.Monitor
}

// New returns a Server serving the given name->Monitor mapping.
func New(monitors map[string]*monitor.Monitor) *Server {
	return &Server{monitors: monitors}
}

// Handler builds the HTTP mux. Routes:
//
//	GET  /start?system=NAME         enable change capture on NAME
//	GET  /stop?system=NAME          disable change capture on NAME
//	GET  /NAME.json                 dump NAME's changelog as JSON
//	POST /write                     issue a READ or WRITE transaction
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/write", s.handleTransaction)
	mux.HandleFunc("/", s.handleDump)
	return mux
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, name string) *monitor.Monitor {
	m, ok := s.monitors[name]
	if !ok {
		http.Error(w, fmt.Sprintf("sniffer: unknown system %q", name), http.StatusNotFound)
		return nil
	}
	return m
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("system")
	m := s.lookup(w, r, name)
	if m == nil {
		return
	}
	m.SetCapture(true)
	fmt.Fprintf(w, "capturing %s\n", name)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("system")
	m := s.lookup(w, r, name)
	if m == nil {
		return
	}
	m.SetCapture(false)
	fmt.Fprintf(w, "stopped %s\n", name)
}

// handleDump serves GET /<name>.json, dumping that monitor's current
// changelog snapshot.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
	if name == "" || !strings.HasSuffix(r.URL.Path, ".json") {
		http.NotFound(w, r)
		return
	}
	m := s.lookup(w, r, name)
	if m == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.ChangeLog().Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseWord(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("sniffer: parsing address %q: %w", s, err)
	}
	return uint16(v), nil
}

func parseHexBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("sniffer: parsing hex data %q: %w", s, err)
	}
	return b, nil
}

// handleTransaction serves POST /write, injecting a READ or WRITE frame
// against a named system's bus and reporting the correlated reply (or
// its absence) as JSON. Form fields: system, dest, source, register (3
// hex bytes), data (hex, WRITE only).
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "sniffer: POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.FormValue("system")
	m := s.lookup(w, r, name)
	if m == nil {
		return
	}
	dest, err := parseWord(r.FormValue("dest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	source, err := parseWord(r.FormValue("source"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	register, err := parseHexBytes(r.FormValue("register"))
	if err != nil || len(register) != 3 {
		http.Error(w, "sniffer: register must be 3 hex bytes", http.StatusBadRequest)
		return
	}

	fn := frame.READ
	payload := register
	if datahex := r.FormValue("data"); datahex != "" {
		data, err := parseHexBytes(datahex)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fn = frame.WRITE
		payload = append(append([]byte(nil), register...), data...)
	}

	var reply *frame.Frame
	for attempt := 0; attempt < transactionRetries && reply == nil; attempt++ {
		reply, err = m.SendWithResponse(r.Context(), dest, source, fn, payload, transactionTimeout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if reply == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": "no response"})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     true,
		"func":   reply.Func.Name(),
		"dest":   frame.PrintableAddress(reply.Dest),
		"source": frame.PrintableAddress(reply.Source),
		"data":   hex.EncodeToString(reply.Data),
	})
}
