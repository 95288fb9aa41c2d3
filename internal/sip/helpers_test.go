package sip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

const testOffer = "v=0\r\no=- 1 1 IN IP4 192.0.2.50\r\ns=-\r\nc=IN IP4 192.0.2.50\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"

// newTestInvite builds an INVITE from alice at 192.0.2.50 to 5551000.
func newTestInvite(callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "5551000", Host: "gw.example.com"})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.50",
		Port:            5062,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "alicetag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "5551000", Host: "gw.example.com"}, Params: sip.NewParams()})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.50", Port: 5062}})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(testOffer))
	req.SetSource("192.0.2.50:5062")
	return req
}

// eventRecorder collects events delivered to calls.
type eventRecorder struct {
	mu     sync.Mutex
	events []b2bua.Event
	ids    []string
	ch     chan b2bua.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan b2bua.Event, 16)}
}

func (r *eventRecorder) Deliver(legAID string, ev b2bua.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.ids = append(r.ids, legAID)
	r.mu.Unlock()
	r.ch <- ev
	return true
}

func (r *eventRecorder) wait(t *testing.T) b2bua.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return b2bua.Event{}
	}
}

// fakeRequester records what the legs try to send. Transactions always fail
// to start so no network is touched.
type fakeRequester struct {
	mu   sync.Mutex
	sent []*sip.Request
}

func (f *fakeRequester) TransactionRequest(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	f.record(req)
	return nil, errors.New("no transport in tests")
}

func (f *fakeRequester) WriteRequest(req *sip.Request, _ ...sipgo.ClientRequestOption) error {
	f.record(req)
	return nil
}

func (f *fakeRequester) record(req *sip.Request) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
}

func (f *fakeRequester) requests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sip.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

// sinkRecorder is a b2bua.EventSink.
type sinkRecorder struct {
	ch chan b2bua.Event
}

func (s *sinkRecorder) Deliver(ev b2bua.Event) { s.ch <- ev }
