package hkpair

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hkontrol/hkpair/log"
)

// maxPairingBody bounds the size of a pairing request.
const maxPairingBody = 64 << 10

type ServerConfig struct {
	// Addr is the tcp address to listen on, ":0" when empty.
	Addr      string
	Accessory *Accessory
	// Handler serves every path other than the pairing endpoints. It is only
	// reached on verified connections.
	Handler http.Handler

	LoggerFactory logging.LoggerFactory
	// ReadHeaderTimeout defaults to 10s.
	ReadHeaderTimeout time.Duration
}

// Server serves the pairing endpoints of an accessory over HTTP/1.1 and
// encrypts every connection once pair-verify has completed on it.
type Server struct {
	acc     *Accessory
	handler http.Handler
	log     logging.LeveledLogger
	connLog logging.LeveledLogger
	addr    string
	srv     *http.Server

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]*conn
}

type sessionIDKey struct{}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	lf := log.Or(cfg.LoggerFactory)
	s := &Server{
		acc:     cfg.Accessory,
		handler: cfg.Handler,
		log:     lf.NewLogger("hap-server"),
		connLog: lf.NewLogger("hap-conn"),
		addr:    cfg.Addr,
		conns:   map[string]*conn{},
	}
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, sessionIDKey{}, c.RemoteAddr().String())
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				s.forget(c.RemoteAddr().String())
			}
		},
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.srv.Close()
	})
	defer stop()

	s.log.Infof("accessory %s listening on %s", s.acc.Id(), ln.Addr())
	err := s.srv.Serve(&listener{Listener: ln, s: s})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Close() error {
	return s.srv.Close()
}

type listener struct {
	net.Listener
	s *Server
}

func (l *listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	cc := newConn(c, l.s.connLog)
	l.s.mu.Lock()
	l.s.conns[c.RemoteAddr().String()] = cc
	l.s.mu.Unlock()
	return cc, nil
}

func (s *Server) conn(sid string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sid]
}

func (s *Server) forget(sid string) {
	s.mu.Lock()
	delete(s.conns, sid)
	s.mu.Unlock()
	s.acc.CloseSession(sid)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid, _ := r.Context().Value(sessionIDKey{}).(string)

	switch r.URL.Path {
	case PathPairSetup, PathPairVerify, PathPairings:
		s.servePairing(w, r, sid)
		return
	}

	if !s.acc.IsVerified(sid) {
		w.WriteHeader(StatusConnectionAuthorizationRequired)
		return
	}
	if s.handler == nil {
		http.NotFound(w, r)
		return
	}
	s.handler.ServeHTTP(w, r)
}

func (s *Server) servePairing(w http.ResponseWriter, r *http.Request, sid string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPairingBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := s.acc.Handle(r.Context(), sid, r.URL.Path, body)
	if err != nil {
		s.log.Debugf("%s %s: %v", sid, r.URL.Path, err)
	}
	if res == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cc := s.conn(sid)
	switch r.URL.Path {
	case PathPairVerify:
		if ss := s.acc.Session(sid); err == nil && ss != nil && cc != nil {
			// M4 goes out as before (plaintext, or under the session being
			// replaced), everything after it uses ss
			if cc.Encrypted() {
				s.log.Debugf("%s: replacing session after pair-verify", sid)
			}
			cc.upgradeOnNextRead(ss)
		}
	case PathPairings:
		for _, revoked := range s.acc.takeRevoked() {
			if revoked == sid {
				w.Header().Set("Connection", "close")
				continue
			}
			if other := s.conn(revoked); other != nil {
				s.log.Infof("closing %s, its pairing was removed", revoked)
				other.Close()
			}
		}
	}

	w.Header().Set("Content-Type", HTTPContentTypePairingTLV8)
	w.WriteHeader(http.StatusOK)
	w.Write(res)
}
