// Package admin exposes a human/operator-facing HTTP+websocket surface
// alongside the binary Node/Locator RPCs: a JSON view of running apps and a
// websocket feed mirroring the locator's connect() stream of service
// expose/remove events. It is the spec's Node RPC and Locator connect()
// slot, re-served over HTTP for operators who would rather curl or open a
// browser tab than speak the framed wire protocol.
//
// Grounded on the teacher's tunnel server (tunnel/server/server.go:
// http.ServeMux wiring a handful of JSON handlers plus a websocket upgrade
// endpoint backed by realtime/ws), adapted here from tunnel-session JSON to
// app-registry JSON and from the tunnel's event stream to the locator's
// DirectoryEvent stream.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cocaine-rt/cocained/locator"
	"github.com/cocaine-rt/cocained/logging"
	"github.com/cocaine-rt/cocained/node"
	"github.com/cocaine-rt/cocained/realtime/ws"
)

// writeTimeout bounds how long a single directory-event push may take
// before the websocket connection is dropped.
const writeTimeout = 5 * time.Second

// appInfoProvider is the slice of *node.Node (or the registryNode wrapper
// cmd/cocained builds around it) admin actually needs.
type appInfoProvider interface {
	List() []string
	AppInfo(name string) (node.Info, error)
}

// Server serves the admin HTTP+websocket surface for one running node.
type Server struct {
	nd   appInfoProvider
	loc  *locator.Locator
	sink logging.Sink
}

// New constructs an admin Server. sink may be nil (defaults to a blackhole).
func New(nd appInfoProvider, loc *locator.Locator, sink logging.Sink) *Server {
	if sink == nil {
		sink = logging.Blackhole{}
	}
	return &Server{nd: nd, loc: loc, sink: sink}
}

// Handler returns the admin mux: GET /apps (JSON list+info snapshot) and
// GET /directory (websocket feed of locator DirectoryEvents).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/apps", s.handleApps)
	mux.HandleFunc("/directory", s.handleDirectory)
	return mux
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names := s.nd.List()
	out := make([]node.Info, 0, len(names))
	for _, name := range names {
		info, err := s.nd.AppInfo(name)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.sink.Log(logging.LevelWarn, "admin", "encode apps", "err", err)
	}
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if s.loc == nil {
		http.Error(w, "locator not wired", http.StatusServiceUnavailable)
		return
	}
	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: func(*http.Request) bool { return true }})
	if err != nil {
		s.sink.Log(logging.LevelWarn, "admin", "upgrade", "err", err)
		return
	}
	defer conn.Close()

	events := s.loc.Subscribe()
	defer s.loc.Unsubscribe(events)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(directoryEventJSON{
				Name:   ev.Name,
				Action: actionString(ev.Action),
				Descr:  ev.Descriptor,
			})
			if err != nil {
				s.sink.Log(logging.LevelWarn, "admin", "marshal directory event", "err", err)
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			err = conn.WriteMessage(ctx, websocket.TextMessage, payload)
			cancel()
			if err != nil {
				s.sink.Log(logging.LevelInfo, "admin", "directory feed closed", "err", err)
				return
			}
		}
	}
}

type directoryEventJSON struct {
	Name   string                    `json:"name"`
	Action string                    `json:"action"`
	Descr  locator.ServiceDescriptor `json:"descriptor"`
}

func actionString(a locator.Action) string {
	if a == locator.ActionRemove {
		return "remove"
	}
	return "expose"
}
