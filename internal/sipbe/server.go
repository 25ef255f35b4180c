// Package sipbe implements the SIP backend: a shared listener for incoming
// traffic plus per-peer backends opened on demand by the directory. Incoming
// INVITEs are parked in a dialog registry and announced to the coordinator;
// the details are handed over only when the coordinator asks for them.
package sipbe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/crosspoint/crosspoint/internal/backend"
)

// IntentSink receives announcements of incoming calls. Implemented by the
// calls manager; the returned call ID is recorded for diagnostics.
type IntentSink interface {
	IncomingCall(b backend.Backend, extras map[string]string) string
}

// Server is the shared SIP listener. It matches incoming INVITEs to a
// provisioned backend by source address, parks the dialog, and announces the
// call; CANCEL and BYE are translated to disconnects.
type Server struct {
	host string
	port int

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	reg    *registry
	logger *slog.Logger

	intents IntentSink
	status  StatusSink

	mu     sync.Mutex
	byHost map[string]backend.Backend

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the SIP listener with all handlers registered. Sinks are
// attached afterwards with SetSinks since the calls manager is built later
// in the wiring.
func NewServer(host string, port int) (*Server, error) {
	logger := slog.Default().With("subsystem", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("Crosspoint"),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	s := &Server{
		host:   host,
		port:   port,
		ua:     ua,
		srv:    srv,
		reg:    newRegistry(),
		logger: logger,
		byHost: make(map[string]backend.Backend),
	}

	s.srv.OnInvite(s.handleInvite)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnBye(s.handleBye)
	s.srv.OnAck(s.handleACK)
	s.srv.OnOptions(s.handleOptions)
	return s, nil
}

// SetSinks attaches the announcement and status sinks. Must be called before
// Start.
func (s *Server) SetSinks(intents IntentSink, status StatusSink) {
	s.intents = intents
	s.status = status
}

// Start begins listening on UDP and TCP. It returns once the listeners are
// spawned; they stop when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the listeners and waits for them to drain.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// registerBackend records which backend owns traffic from host. Called by the
// factory each time it opens a backend.
func (s *Server) registerBackend(host string, b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHost[host] = b
}

func (s *Server) backendFor(host string) backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byHost[host]
}

// handleInvite parks the incoming dialog and announces the call. Only the
// SIP Call-ID crosses the announcement boundary; everything else is handed
// over when the coordinator retrieves the call.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := sipCallIDOf(req)
	source := sourceHost(req)

	b := s.backendFor(source)
	if b == nil {
		s.logger.Warn("invite from unknown peer",
			"sip_call_id", sipCallID,
			"source", source,
		)
		s.respond(req, tx, 403, "Forbidden")
		return
	}

	if s.intents == nil {
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	if existing := s.reg.bySIP(sipCallID); existing != nil {
		// Retransmitted INVITE for a dialog we already parked.
		s.logger.Debug("duplicate invite", "sip_call_id", sipCallID)
		return
	}

	d := &dialog{
		sipCallID: sipCallID,
		incoming:  true,
		inviteReq: req,
		inviteTx:  tx,
	}
	s.reg.add(d)

	s.respond(req, tx, 100, "Trying")

	callID := s.intents.IncomingCall(b, map[string]string{
		"sip_call_id": sipCallID,
	})

	s.logger.Info("incoming call announced",
		"sip_call_id", sipCallID,
		"call_id", callID,
		"backend", b.ID(),
		"source", source,
	)
}

// handleCancel aborts a parked incoming dialog before answer.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := sipCallIDOf(req)

	s.respond(req, tx, 200, "OK")

	d := s.reg.bySIP(sipCallID)
	if d == nil || !d.incoming {
		s.logger.Debug("cancel for unknown dialog", "sip_call_id", sipCallID)
		return
	}

	terminated := sip.NewResponseFromRequest(d.inviteReq, 487, "Request Terminated", nil)
	if err := d.inviteTx.Respond(terminated); err != nil {
		s.logger.Error("failed to terminate cancelled invite",
			"sip_call_id", sipCallID, "error", err)
	}

	s.reg.remove(d)
	if d.callID != "" && s.status != nil {
		s.status.MarkDisconnected(d.callID)
	}
}

// handleBye ends an established dialog from the remote side.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := sipCallIDOf(req)

	s.respond(req, tx, 200, "OK")

	d := s.reg.bySIP(sipCallID)
	if d == nil {
		s.logger.Debug("bye for unknown dialog", "sip_call_id", sipCallID)
		return
	}

	s.reg.remove(d)
	if d.callID != "" && s.status != nil {
		s.status.MarkDisconnected(d.callID)
	}
}

// handleACK confirms a dialog we answered. ACKs have no response.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received",
		"sip_call_id", sipCallIDOf(req),
		"source", req.Source(),
	)
}

// handleOptions answers keepalive pings from peers.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response",
			"code", code,
			"error", err,
		)
	}
}

// sourceHost extracts the IP address (without port) from the request source.
func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

func hostOf(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
