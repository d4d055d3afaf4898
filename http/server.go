package http

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stanford-rc/hsm-action-stream"
)

// Default settings
const (
	DefaultAddr = ":20202"
)

// Server is the debug and metrics HTTP server for the shipper.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr  string
	store *hsmstream.Store

	g      errgroup.Group
	ctx    context.Context
	cancel func()
}

func NewServer(store *hsmstream.Store, addr string) *Server {
	s := &Server{
		addr:  addr,
		store: store,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.serveHTTP),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

func (s *Server) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); s.ctx.Err() != nil {
			return err
		}
		return nil
	})
}

func (s *Server) Close() (err error) {
	if s.ln != nil {
		if e := s.ln.Close(); err == nil {
			err = e
		}
	}
	if s.httpServer != nil {
		if e := s.httpServer.Close(); err == nil {
			err = e
		}
	}
	s.cancel()
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/vars":
			expvar.Handler().ServeHTTP(w, r)
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)
	case "/info":
		s.handleGetInfo(w, r)
	default:
		http.NotFound(w, r)
	}
}

// InfoResponse is the JSON body served at /info.
type InfoResponse struct {
	Cycle             int64          `json:"cycle"`
	CacheSize         int            `json:"cacheSize"`
	MDTs              map[string]int `json:"mdts"`
	LastCycleTime     string         `json:"lastCycleTime,omitempty"`
	LastReconcileTime string         `json:"lastReconcileTime,omitempty"`

	// Streams under the prefix whose MDT has no cached action,
	// typically left behind by decommissioned MDTs. An owned MDT with
	// an empty action log is reported here as well.
	StaleStreams []string `json:"staleStreams,omitempty"`
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	info := InfoResponse{
		Cycle:     s.store.Cycle(),
		CacheSize: s.store.CacheSize(),
		MDTs:      s.store.CacheMDTCounts(),
	}
	if t := s.store.LastCycleTime(); !t.IsZero() {
		info.LastCycleTime = t.Format(time.RFC3339)
	}
	if t := s.store.LastReconcileTime(); !t.IsZero() {
		info.LastReconcileTime = t.Format(time.RFC3339)
	}

	if stale, err := s.staleStreams(r.Context()); err != nil {
		log.Printf("cannot discover stale streams: %s", err)
	} else {
		info.StaleStreams = stale
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&info); err != nil {
		Error(w, r, err, http.StatusInternalServerError)
	}
}

// staleStreams returns the streams under the shipper's prefix whose
// MDT has no cached action.
func (s *Server) staleStreams(ctx context.Context) ([]string, error) {
	keys, err := s.store.Client.ScanKeys(ctx, s.store.StreamPrefix+":*")
	if err != nil {
		return nil, err
	}

	owned := s.store.CacheMDTCounts()

	var stale []string
	for _, key := range keys {
		mdt := strings.TrimPrefix(key, s.store.StreamPrefix+":")
		if _, ok := owned[mdt]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	log.Printf("http: error: %s", err)
	http.Error(w, err.Error(), code)
}
