package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// byeTimeout bounds how long a BYE transaction may take.
const byeTimeout = 5 * time.Second

// requester is the part of *sipgo.Client the legs send through.
type requester interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// deliverer routes leg events to the call that owns them.
type deliverer interface {
	Deliver(legAID string, ev b2bua.Event) bool
}

// inboundLeg is leg A: the caller's INVITE server transaction plus the
// dialog it creates once answered. Actions run in order on a private
// goroutine so the call's scheduler never waits on the network.
type inboundLeg struct {
	id      string
	req     *sip.Request
	respond func(*sip.Response) error
	client  requester
	contact *sip.ContactHeader
	events  deliverer
	onClose func()
	logger  *slog.Logger

	mu       sync.Mutex
	queue    []func()
	running  bool
	closed   bool
	final    bool
	answered bool
}

func newInboundLeg(req *sip.Request, tx sip.ServerTransaction, client requester, contact *sip.ContactHeader, events deliverer, logger *slog.Logger) *inboundLeg {
	id := ""
	if cid := req.CallID(); cid != nil {
		id = cid.Value()
	}
	ensureToTag(req)
	return &inboundLeg{
		id:      id,
		req:     req,
		respond: tx.Respond,
		client:  client,
		contact: contact,
		events:  events,
		logger:  logger.With("call_id", id, "leg", "a"),
	}
}

// ensureToTag pins our dialog tag on the request so every response built
// from it carries the same one.
func ensureToTag(req *sip.Request) {
	to := req.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", sip.GenerateTagN(16))
	}
}

func (l *inboundLeg) ID() string { return l.id }

func (l *inboundLeg) Offer() []byte { return l.req.Body() }

func (l *inboundLeg) Ringing() {
	l.enqueue(func() {
		if l.final {
			return
		}
		l.send(sip.NewResponseFromRequest(l.req, 180, "Ringing", nil))
	})
}

func (l *inboundLeg) Answer(body []byte) {
	l.enqueue(func() {
		if l.final {
			return
		}
		res := sip.NewResponseFromRequest(l.req, 200, "OK", body)
		if len(body) > 0 {
			res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		}
		if l.contact != nil {
			res.AppendHeader(l.contact)
		}
		l.final = true
		if l.send(res) {
			l.answered = true
		}
	})
}

func (l *inboundLeg) Reject(code int, reason string) {
	l.enqueue(func() {
		if !l.final {
			l.final = true
			l.send(sip.NewResponseFromRequest(l.req, code, reason, nil))
		} else if l.answered {
			l.bye()
		}
		l.release()
	})
}

func (l *inboundLeg) Hangup() {
	l.enqueue(func() {
		switch {
		case l.answered:
			l.bye()
		case !l.final:
			l.final = true
			l.send(sip.NewResponseFromRequest(l.req, 487, "Request Terminated", nil))
		}
		l.release()
	})
}

// endRemotely closes the leg after the caller ended it with BYE or CANCEL.
// An INVITE still waiting for a final response gets 487. The call learns of
// it through LegAHangup or LegACancel, so no release is delivered.
func (l *inboundLeg) endRemotely() {
	l.enqueue(func() {
		if !l.final {
			l.final = true
			l.send(sip.NewResponseFromRequest(l.req, 487, "Request Terminated", nil))
		}
		l.answered = false
		l.close()
	})
}

func (l *inboundLeg) enqueue(op func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, op)
	if !l.running {
		l.running = true
		go l.drain()
	}
}

func (l *inboundLeg) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		op := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		op()
	}
}

// release closes the leg and tells the call it is gone.
func (l *inboundLeg) release() {
	l.close()
	l.events.Deliver(l.id, b2bua.Event{Kind: b2bua.LegAReleased})
}

// close drops whatever is still queued.
func (l *inboundLeg) close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	if !already && l.onClose != nil {
		l.onClose()
	}
}

func (l *inboundLeg) send(res *sip.Response) bool {
	if err := l.respond(res); err != nil {
		l.logger.Warn("failed to respond to caller", "status", res.StatusCode, "error", err)
		return false
	}
	l.logger.Debug("response sent to caller", "status", res.StatusCode)
	return true
}

func (l *inboundLeg) bye() {
	l.answered = false
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := sendBye(ctx, l.client, buildByeToCaller(l.req)); err != nil {
		l.logger.Warn("bye to caller failed", "error", err)
		return
	}
	l.logger.Info("bye sent to caller")
}

// buildByeToCaller builds the BYE we send as UAS: the request goes to the
// caller's Contact, with From and To swapped relative to its INVITE.
func buildByeToCaller(invite *sip.Request) *sip.Request {
	target := invite.Recipient
	if contact := invite.Contact(); contact != nil {
		target = contact.Address
	} else if from := invite.From(); from != nil {
		target = from.Address
	}

	bye := sip.NewRequest(sip.BYE, *target.Clone())
	bye.SipVersion = invite.SipVersion

	if to := invite.To(); to != nil {
		from := &sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: sip.NewParams()}
		if tag, ok := to.Params.Get("tag"); ok {
			from.Params.Add("tag", tag)
		}
		bye.AppendHeader(from)
	}
	if from := invite.From(); from != nil {
		to := &sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: sip.NewParams()}
		if tag, ok := from.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
		bye.AppendHeader(to)
	}
	if h := invite.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(invite.Transport())
	if src := invite.Source(); src != "" {
		// The caller may sit behind NAT; answer where the INVITE came from.
		bye.SetDestination(src)
	}
	return bye
}

// sendBye runs a BYE transaction to completion or until ctx expires.
func sendBye(ctx context.Context, client requester, bye *sip.Request) error {
	tx, err := client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res != nil && res.StatusCode < 200 {
				continue
			}
			return nil
		case <-tx.Done():
			return tx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
