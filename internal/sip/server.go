package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/config"
	"github.com/flowpbx/flowgate/internal/task"
)

// guardCleanupInterval is how often Tick sweeps the brute-force guard.
const guardCleanupInterval = time.Minute

// CallManager is what the SIP server needs from the call layer.
type CallManager interface {
	OnNewCall(p b2bua.NewCallParams) (*b2bua.Call, error)
	Deliver(legAID string, ev b2bua.Event) bool
	Count() int
	Stopping() bool
}

// NewUA creates the sipgo user agent shared by the server and the dialer.
func NewUA(cfg *config.Config) (*sipgo.UserAgent, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("flowgate"),
		sipgo.WithUserAgentHostname(cfg.ContactHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	return ua, nil
}

// Server receives inbound calls and turns them into leg A of a call. It is
// also a recurring task: once stopped it keeps the transports up until the
// call manager has drained, then closes them.
type Server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	dialer  *Dialer
	calls   CallManager
	legs    *legRegistry
	trusted *TrustedPeers
	guard   *BruteForceGuard
	contact *sip.ContactHeader
	now     func() time.Time
	logger  *slog.Logger

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopped     atomic.Bool
	closeOnce   sync.Once
	lastCleanup time.Time
}

// NewServer creates a SIP server with its handlers registered.
func NewServer(ua *sipgo.UserAgent, calls CallManager, dialer *Dialer, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("subsystem", "sip")

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	prefixes, err := cfg.TrustedPrefixes()
	if err != nil {
		srv.Close()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		dialer:  dialer,
		calls:   calls,
		legs:    newLegRegistry(logger),
		trusted: NewTrustedPeers(prefixes, logger),
		guard:   NewBruteForceGuard(logger),
		contact: dialer.contactHeader(),
		now:     time.Now,
		logger:  logger,
	}
	s.lastCleanup = s.now()

	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleAck)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
	return s, nil
}

// Guard returns the brute-force guard, for the admin API.
func (s *Server) Guard() *BruteForceGuard { return s.guard }

// TrustedPeers returns the trusted-peer matcher.
func (s *Server) TrustedPeers() *TrustedPeers { return s.trusted }

// Start begins listening on UDP and TCP. Listener errors are logged; the
// listeners stop when ctx is cancelled or the server closes.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}
	return nil
}

// Stop implements task.Stopper. New INVITEs are refused from now on; calls
// already up keep their signaling until the call manager has drained them.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.logger.Info("sip server draining", "calls", s.calls.Count())
}

// Tick implements task.RecurringTask.
func (s *Server) Tick() (task.Result, error) {
	if now := s.now(); now.Sub(s.lastCleanup) >= guardCleanupInterval {
		s.lastCleanup = now
		s.guard.Cleanup()
	}
	if !s.stopped.Load() || s.calls.Count() > 0 {
		return task.NotComplete, nil
	}
	s.Close()
	return task.Complete, nil
}

// Close stops the listeners and releases the transports. It is safe to call
// more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.dialer.Close()
		s.srv.Close()
		s.ua.Close()
		s.logger.Info("sip server stopped")
	})
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	source := req.Source()
	cid := req.CallID()
	if cid == nil {
		s.respond(req, tx, 400, "Missing Call-ID")
		return
	}
	callID := cid.Value()

	if req.To() != nil {
		if _, ok := req.To().Params.Get("tag"); ok {
			// No re-INVITE support: media is not renegotiated mid-call.
			s.respond(req, tx, 488, "Not Acceptable Here")
			return
		}
	}
	if s.stopped.Load() || s.calls.Stopping() {
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}
	if s.guard.IsBlocked(source) {
		s.logger.Warn("invite from blocked source", "call_id", callID, "source", source)
		s.respond(req, tx, 403, "Forbidden")
		return
	}

	offer, err := validateOffer(req.Body())
	if err != nil {
		s.logger.Info("rejecting unusable offer", "call_id", callID, "source", source, "error", err)
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	s.respond(req, tx, 100, "Trying")

	trusted := s.trusted.Match(source)
	leg := newInboundLeg(req, tx, s.dialer.send, s.contact, s.calls, s.logger)
	if !s.legs.Add(leg) {
		s.respond(req, tx, 482, "Loop Detected")
		return
	}

	params := callParams(req, leg, trusted)
	s.logger.Debug("inbound invite",
		"call_id", callID,
		"source", source,
		"from", params.Source,
		"to", params.Destination,
		"trusted", trusted,
		"media", offer.Media,
		"rtp_addr", offer.Address,
		"rtp_port", offer.Port,
	)

	if _, err := s.calls.OnNewCall(params); err != nil {
		s.legs.Drop(callID)
		code, reason := rejectionFor(err)
		if errors.Is(err, b2bua.ErrAuthorizationDenied) {
			s.guard.RecordFailure(source)
		}
		s.logger.Info("inbound call refused", "call_id", callID, "status", code, "error", err)
		s.respond(req, tx, code, reason)
		return
	}
	s.guard.RecordSuccess(source)
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
		"known", s.legs.Get(callID) != nil,
	)
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if s.dialer.HandleBye(req, tx) {
		return
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	leg := s.legs.Get(callID)
	if leg == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.respond(req, tx, 200, "OK")
	leg.endRemotely()
	if !s.calls.Deliver(callID, b2bua.Event{Kind: b2bua.LegAHangup}) {
		s.logger.Debug("bye for call no longer tracked", "call_id", callID)
	}
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	leg := s.legs.Get(callID)
	if leg == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.respond(req, tx, 200, "OK")
	leg.endRemotely()
	s.calls.Deliver(callID, b2bua.Event{Kind: b2bua.LegACancel})
	s.logger.Info("caller cancelled", "call_id", callID)
}

// handleOptions answers keepalive pings. While draining it reports 503 so
// upstream proxies move new traffic elsewhere.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if s.stopped.Load() {
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response", "code", code, "error", err)
	}
}
