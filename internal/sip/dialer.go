package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/config"
)

// cancelTimeout bounds how long a CANCEL transaction may take.
const cancelTimeout = 5 * time.Second

// Dialer originates outbound legs (leg B) through a sipgo client. It keeps
// every live leg by its own Call-ID so in-dialog requests from the callee
// reach the right call.
type Dialer struct {
	client      *sipgo.Client
	send        requester
	contactHost string
	contactPort int
	proxy       string
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger

	mu   sync.Mutex
	legs map[string]*outboundLeg
	wg   sync.WaitGroup
}

// NewDialer creates a dialer with its own sipgo client on ua.
func NewDialer(ua *sipgo.UserAgent, cfg *config.Config, logger *slog.Logger) (*Dialer, error) {
	logger = logger.With("subsystem", "dialer")
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client for dialer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dialer{
		client:      client,
		send:        client,
		contactHost: cfg.ContactHost(),
		contactPort: cfg.SIPPort,
		proxy:       cfg.SIPProxy,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		legs:        make(map[string]*outboundLeg),
	}, nil
}

// Client returns the sipgo client the dialer sends through. The inbound side
// reuses it for BYEs toward callers.
func (d *Dialer) Client() *sipgo.Client {
	return d.client
}

// Dial implements b2bua.Dialer. It returns once the leg is set up locally;
// the INVITE transaction runs on its own goroutine and reports through sink.
func (d *Dialer) Dial(req b2bua.DialRequest, sink b2bua.EventSink) (b2bua.LegB, error) {
	target, err := d.target(req.Route.URI, req.Destination)
	if err != nil {
		return nil, err
	}
	if d.ctx.Err() != nil {
		return nil, errors.New("dialer closed")
	}

	leg := &outboundLeg{
		d:      d,
		callID: uuid.NewString(),
		sink:   sink,
		creds:  credentialsFor(req),
		logger: d.logger.With("call_id", req.CallID, "attempt", req.Attempt),
	}
	leg.ctx, leg.stop = context.WithCancel(d.ctx)
	leg.invite = d.buildInvite(leg.callID, target, req)
	leg.logger = leg.logger.With("b_call_id", leg.callID)

	d.mu.Lock()
	d.legs[leg.callID] = leg
	d.mu.Unlock()

	d.spawn(leg.run)

	leg.logger.Info("outbound leg dialing", "target", target.String())
	return leg, nil
}

// target resolves the Request-URI for a route. A route without a host is a
// user part sent to the outbound proxy.
func (d *Dialer) target(route, destination string) (sip.Uri, error) {
	raw := route
	if raw == "" {
		raw = destination
	}
	if raw == "" {
		return sip.Uri{}, errors.New("empty route")
	}

	rest := raw
	if i := strings.Index(raw, ":"); i >= 0 && (strings.EqualFold(raw[:i], "sip") || strings.EqualFold(raw[:i], "sips")) {
		rest = raw[i+1:]
	} else {
		raw = "sip:" + raw
	}
	if !strings.Contains(rest, "@") && d.proxy != "" {
		raw = "sip:" + rest + "@" + d.proxy
	}

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing route %q: %w", route, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("route %q has no host", raw)
	}
	return uri, nil
}

func (d *Dialer) buildInvite(callID string, target sip.Uri, dr b2bua.DialRequest) *sip.Request {
	req := sip.NewRequest(sip.INVITE, target)

	from := &sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   dr.Source,
			Host:   d.contactHost,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: *target.Clone()}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(d.contactHeader())

	if len(dr.Offer) > 0 {
		req.SetBody(dr.Offer)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if dr.Meta.ControlID != "" {
		req.AppendHeader(sip.NewHeader(hdrControlID, dr.Meta.ControlID))
	}
	return req
}

func (d *Dialer) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "flowgate",
			Host:   d.contactHost,
			Port:   d.contactPort,
		},
	}
}

// HandleBye answers a BYE from a callee. It reports false if the Call-ID is
// not one of our outbound legs.
func (d *Dialer) HandleBye(req *sip.Request, tx sip.ServerTransaction) bool {
	cid := req.CallID()
	if cid == nil {
		return false
	}
	leg := d.lookup(cid.Value())
	if leg == nil {
		return false
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		leg.logger.Warn("failed to respond to callee bye", "error", err)
	}
	leg.remoteHangup()
	return true
}

// Len returns the number of outbound legs not yet finished.
func (d *Dialer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.legs)
}

// Close aborts any leg still running, waits for the leg goroutines and
// releases the client.
func (d *Dialer) Close() {
	d.cancel()
	d.wg.Wait()
	d.client.Close()
}

// spawn runs fn on a goroutine that Close waits for.
func (d *Dialer) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Dialer) lookup(callID string) *outboundLeg {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.legs[callID]
}

func (d *Dialer) forget(leg *outboundLeg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.legs, leg.callID)
}

// credentials answer a digest challenge from the far end.
type credentials struct {
	user     string
	password string
}

// credentialsFor prefers the route's own credentials over the caller's.
func credentialsFor(req b2bua.DialRequest) credentials {
	if req.Route.User != "" {
		return credentials{user: req.Route.User, password: req.Route.Password}
	}
	return credentials{user: req.Auth.User, password: req.Auth.Password}
}

type outboundState int

const (
	outboundDialing outboundState = iota
	outboundAnswered
	outboundEnded
)

// outboundLeg is one INVITE attempt and, once answered, its dialog.
type outboundLeg struct {
	d      *Dialer
	callID string
	sink   b2bua.EventSink
	creds  credentials
	ctx    context.Context
	stop   context.CancelFunc
	logger *slog.Logger

	mu        sync.Mutex
	state     outboundState
	invite    *sip.Request
	answer    *sip.Response
	sent      bool
	cancelled bool
}

// Cancel implements b2bua.LegB.
func (l *outboundLeg) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case outboundEnded:
		return
	case outboundAnswered:
		l.state = outboundEnded
		l.d.spawn(l.hangup)
		return
	}
	if l.cancelled {
		return
	}
	l.cancelled = true
	if l.sent {
		invite := l.invite
		l.d.spawn(func() { l.sendCancel(invite) })
	}
}

// Hangup implements b2bua.LegB.
func (l *outboundLeg) Hangup() {
	l.Cancel()
}

// remoteHangup ends an answered leg on the callee's BYE.
func (l *outboundLeg) remoteHangup() {
	l.mu.Lock()
	if l.state != outboundAnswered {
		l.mu.Unlock()
		return
	}
	l.state = outboundEnded
	l.mu.Unlock()

	l.logger.Info("callee hung up")
	l.finish(b2bua.Event{Kind: b2bua.LegBHangup})
}

func (l *outboundLeg) run() {
	l.mu.Lock()
	if l.cancelled {
		l.state = outboundEnded
		l.mu.Unlock()
		l.finish(b2bua.Event{Kind: b2bua.LegBReleased})
		return
	}
	invite := l.invite
	l.mu.Unlock()

	tx, err := l.d.send.TransactionRequest(l.ctx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		l.fail(0, err.Error())
		return
	}
	l.markSent(invite)

	ringing := false
	challenged := false
	for {
		var res *sip.Response
		select {
		case <-l.ctx.Done():
			tx.Terminate()
			l.fail(0, "dialer closed")
			return
		case <-tx.Done():
			tx.Terminate()
			reason := "transaction ended without final response"
			if txErr := tx.Err(); txErr != nil {
				reason = txErr.Error()
			}
			l.fail(0, reason)
			return
		case res = <-tx.Responses():
		}
		if res == nil {
			continue
		}

		l.logger.Debug("outbound response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode < 200:
			if !ringing && (res.StatusCode == 180 || res.StatusCode == 183) {
				ringing = true
				l.sink.Deliver(b2bua.Event{Kind: b2bua.LegBRinging, Code: res.StatusCode})
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !challenged && l.creds.user != "" && !l.isCancelled():
			challenged = true
			tx.Terminate()
			authReq, err := authorize(invite, res, l.creds)
			if err != nil {
				l.logger.Warn("cannot answer auth challenge", "error", err)
				l.fail(res.StatusCode, res.Reason)
				return
			}
			tx, err = l.d.send.TransactionRequest(l.ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				l.fail(0, err.Error())
				return
			}
			invite = authReq
			l.markSent(invite)
			l.logger.Debug("re-sent invite with credentials", "status", res.StatusCode)

		case res.StatusCode < 300:
			l.answered(invite, res)
			return

		default:
			tx.Terminate()
			l.fail(res.StatusCode, res.Reason)
			return
		}
	}
}

func (l *outboundLeg) markSent(invite *sip.Request) {
	l.mu.Lock()
	l.invite = invite
	l.sent = true
	cancel := l.cancelled
	l.mu.Unlock()
	if cancel {
		l.d.spawn(func() { l.sendCancel(invite) })
	}
}

func (l *outboundLeg) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// answered ACKs the 2xx and reports the answer, or hangs straight up if we
// cancelled in the meantime.
func (l *outboundLeg) answered(invite *sip.Request, res *sip.Response) {
	ack := buildACKFor2xx(invite, res)
	if err := l.d.send.WriteRequest(ack); err != nil {
		l.logger.Error("failed to send ack for 200 ok", "error", err)
	}

	l.mu.Lock()
	l.invite = invite
	l.answer = res
	if l.cancelled {
		l.state = outboundEnded
		l.mu.Unlock()
		l.logger.Info("answer crossed cancel, hanging up")
		l.hangup()
		return
	}
	l.state = outboundAnswered
	l.mu.Unlock()

	l.logger.Info("outbound leg answered")
	l.sink.Deliver(b2bua.Event{Kind: b2bua.LegBAnswered, Code: res.StatusCode, Body: res.Body()})
}

// fail reports a final non-2xx, or a release if we asked for it.
func (l *outboundLeg) fail(code int, reason string) {
	l.mu.Lock()
	l.state = outboundEnded
	cancelled := l.cancelled
	l.mu.Unlock()

	if cancelled {
		l.logger.Info("outbound leg cancelled", "status", code)
		l.finish(b2bua.Event{Kind: b2bua.LegBReleased})
		return
	}
	l.logger.Info("outbound leg failed", "status", code, "reason", reason)
	l.finish(b2bua.Event{Kind: b2bua.LegBFailed, Code: code, Reason: reason})
}

// hangup sends BYE on the answered dialog and reports the release.
func (l *outboundLeg) hangup() {
	l.mu.Lock()
	invite, answer := l.invite, l.answer
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := sendBye(ctx, l.d.send, buildByeFor2xx(invite, answer)); err != nil {
		l.logger.Warn("bye to callee failed", "error", err)
	} else {
		l.logger.Info("bye sent to callee")
	}
	l.finish(b2bua.Event{Kind: b2bua.LegBReleased})
}

func (l *outboundLeg) sendCancel(invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	tx, err := l.d.send.TransactionRequest(ctx, buildCancel(invite))
	if err != nil {
		l.logger.Warn("failed to send cancel", "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res != nil {
			l.logger.Debug("cancel response", "status", res.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
}

// finish unregisters the leg and reports its last event.
func (l *outboundLeg) finish(ev b2bua.Event) {
	l.d.forget(l)
	l.stop()
	l.sink.Deliver(ev)
}

// authorize clones invite with a digest answer to the 401/407 challenge.
func authorize(invite *sip.Request, challenge *sip.Response, creds credentials) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := challenge.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("%d without %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   invite.Method.String(),
		URI:      invite.Recipient.String(),
		Username: creds.user,
		Password: creds.password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	req := invite.Clone()
	req.RemoveHeader("Via")
	req.RemoveHeader(authzHeader)
	req.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return req, nil
}

// buildCancel builds the CANCEL for a pending INVITE. It shares the INVITE's
// Via, From, To, Call-ID and CSeq number.
func buildCancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetTransport(invite.Transport())
	if dst := invite.Destination(); dst != "" {
		req.SetDestination(dst)
	}
	return req
}

// buildACKFor2xx constructs the ACK for a 2xx to our INVITE. A 2xx ACK is
// its own transaction (RFC 3261 13.2.2.4), so it is built here rather than
// by the transaction layer. The Request-URI is the callee's Contact.
func buildACKFor2xx(invite *sip.Request, res *sip.Response) *sip.Request {
	return buildInDialog(sip.ACK, invite, res, 0)
}

// buildByeFor2xx builds the BYE that ends a dialog we created as UAC.
func buildByeFor2xx(invite *sip.Request, res *sip.Response) *sip.Request {
	return buildInDialog(sip.BYE, invite, res, 1)
}

func buildInDialog(method sip.RequestMethod, invite *sip.Request, res *sip.Response, cseqStep uint32) *sip.Request {
	recipient := &invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = invite.SipVersion

	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, req)
	}
	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so it carries the callee's tag.
	if h := res.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + cseqStep, MethodName: method})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if h := invite.Contact(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	req.SetTransport(invite.Transport())
	return req
}
