// Package statusapi exposes the node's transfer state over HTTP and accepts
// start commands from local tooling.
package statusapi

import (
    "context"
    "errors"
    "io"
    "net"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/gorilla/handlers"
    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/codec"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/session"
)

// Backend is what the API reads from and submits to.
type Backend interface {
    Sessions() []session.Info
    Stats() session.Stats
    History(n int) []session.Summary
    // Submit runs a command as if issued by the local node and returns its
    // reply. An empty reply means the command was dropped.
    Submit(ctx context.Context, text string) (string, error)
}

// RemoteSender is implemented by backends that can send a command to
// another node. The answer is not awaited.
type RemoteSender interface {
    SendCommand(to mesh.NodeNum, text string) error
}

// CommandRequest is the body of POST /api/commands. To is only used by
// POST /api/remote.
type CommandRequest struct {
    Command string `json:"command"`
    To      string `json:"to,omitempty"`
}

type CommandResponse struct {
    Reply string `json:"reply"`
    OK    bool   `json:"ok"`
}

type errorResponse struct {
    Error string `json:"error"`
}

const maxBody = 4 << 10

type Server struct {
    be  Backend
    reg *codec.Registry
    log *zap.Logger
}

func New(be Backend, reg *codec.Registry, log *zap.Logger) *Server {
    if log == nil { log = zap.L() }
    return &Server{be: be, reg: reg, log: log.Named("statusapi")}
}

// Handler returns the routed API wrapped in recovery, compression and
// access logging.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("GET /api/sessions", s.handleSessions)
    mux.HandleFunc("GET /api/stats", s.handleStats)
    mux.HandleFunc("GET /api/history", s.handleHistory)
    mux.HandleFunc("POST /api/commands", s.handleCommand)
    mux.HandleFunc("POST /api/remote", s.handleRemote)
    mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

    var h http.Handler = mux
    h = handlers.CompressHandler(h)
    h = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.log)), handlers.PrintRecoveryStack(false))(h)
    return handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
    ip, _, err := net.SplitHostPort(p.Request.RemoteAddr)
    if err != nil { ip = p.Request.RemoteAddr }
    s.log.Debug("request",
        zap.String("remote", ip),
        zap.String("method", p.Request.Method),
        zap.String("path", p.URL.Path),
        zap.Int("status", p.StatusCode),
        zap.Int("size", p.Size),
        zap.Duration("took", time.Since(p.TimeStamp)))
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
    ln, err := net.Listen("tcp", addr)
    if err != nil { return err }
    return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
    srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
    errCh := make(chan error, 1)
    go func() { errCh <- srv.Serve(ln) }()
    s.log.Info("status api listening", zap.Stringer("addr", ln.Addr()))
    select {
    case err := <-errCh:
        return err
    case <-ctx.Done():
        shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        _ = srv.Shutdown(shCtx)
        if err := <-errCh; !errors.Is(err, http.ErrServerClosed) { return err }
        return nil
    }
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
    list := s.be.Sessions()
    if list == nil { list = []session.Info{} }
    s.write(w, r, http.StatusOK, list)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
    s.write(w, r, http.StatusOK, s.be.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
    n := 50
    if v := r.URL.Query().Get("limit"); v != "" {
        x, err := strconv.Atoi(v)
        if err != nil || x < 0 {
            s.write(w, r, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
            return
        }
        n = x
    }
    list := s.be.History(n)
    if list == nil { list = []session.Summary{} }
    s.write(w, r, http.StatusOK, list)
}

func (s *Server) readCommand(w http.ResponseWriter, r *http.Request) (CommandRequest, bool) {
    body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
    if err != nil {
        s.write(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
        return CommandRequest{}, false
    }
    ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
    ct = strings.TrimSpace(ct)
    if ct == "text/plain" {
        return CommandRequest{Command: strings.TrimSpace(string(body)), To: r.URL.Query().Get("to")}, true
    }
    c := s.reg.Get(ct)
    if c == nil { c = codec.JSON() }
    var req CommandRequest
    if err := c.Unmarshal(body, &req); err != nil {
        s.write(w, r, http.StatusBadRequest, errorResponse{Error: "invalid command body: " + err.Error()})
        return CommandRequest{}, false
    }
    return req, true
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
    req, ok := s.readCommand(w, r)
    if !ok { return }
    text := req.Command
    reply, err := s.be.Submit(r.Context(), text)
    switch {
    case err != nil:
        s.write(w, r, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
    case reply == "":
        s.write(w, r, http.StatusBadRequest, errorResponse{Error: "command dropped"})
    case strings.HasPrefix(reply, "OK:"):
        s.write(w, r, http.StatusAccepted, CommandResponse{Reply: reply, OK: true})
    default:
        s.write(w, r, http.StatusUnprocessableEntity, CommandResponse{Reply: reply})
    }
}

func (s *Server) handleRemote(w http.ResponseWriter, r *http.Request) {
    rs, ok := s.be.(RemoteSender)
    if !ok {
        s.write(w, r, http.StatusNotImplemented, errorResponse{Error: "remote commands not supported"})
        return
    }
    req, ok := s.readCommand(w, r)
    if !ok { return }
    to, err := mesh.ParseNodeNum(req.To)
    if err != nil {
        s.write(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
        return
    }
    if err := rs.SendCommand(to, req.Command); err != nil {
        s.write(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
        return
    }
    s.write(w, r, http.StatusAccepted, CommandResponse{OK: true})
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, status int, v any) {
    c := s.reg.Negotiate(r.Header.Get("Accept"))
    b, err := c.Marshal(v)
    if err != nil {
        s.log.Error("encode response", zap.Error(err))
        http.Error(w, "encode failed", http.StatusInternalServerError)
        return
    }
    w.Header().Set("Content-Type", c.ContentType())
    w.WriteHeader(status)
    _, _ = w.Write(b)
}
