package sip

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

func newTestDialer(proxy string) (*Dialer, *fakeRequester) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeRequester{}
	return &Dialer{
		send:        client,
		contactHost: "198.51.100.1",
		contactPort: 5060,
		proxy:       proxy,
		ctx:         ctx,
		cancel:      cancel,
		logger:      testLogger(),
		legs:        make(map[string]*outboundLeg),
	}, client
}

func TestDialerTarget(t *testing.T) {
	tests := []struct {
		name        string
		proxy       string
		route       string
		destination string
		wantUser    string
		wantHost    string
		wantPort    int
		wantErr     bool
	}{
		{name: "full uri", route: "sip:100@carrier.example.com:5070", wantUser: "100", wantHost: "carrier.example.com", wantPort: 5070},
		{name: "no scheme", route: "100@carrier.example.com", wantUser: "100", wantHost: "carrier.example.com"},
		{name: "number via proxy", proxy: "proxy.example.com:5080", route: "5551000", wantUser: "5551000", wantHost: "proxy.example.com", wantPort: 5080},
		{name: "destination fallback", proxy: "proxy.example.com", destination: "5551000", wantUser: "5551000", wantHost: "proxy.example.com"},
		{name: "host only without proxy", route: "sip:carrier.example.com", wantHost: "carrier.example.com"},
		{name: "explicit host ignores proxy", proxy: "proxy.example.com", route: "sip:7@other.example.com", wantUser: "7", wantHost: "other.example.com"},
		{name: "empty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDialer(tt.proxy)
			uri, err := d.target(tt.route, tt.destination)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("target() = %s, want error", uri.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("target() error: %v", err)
			}
			if uri.User != tt.wantUser || uri.Host != tt.wantHost || uri.Port != tt.wantPort {
				t.Errorf("target() = user %q host %q port %d, want %q %q %d",
					uri.User, uri.Host, uri.Port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestCredentialsFor(t *testing.T) {
	auth := b2bua.AuthContext{User: "caller", Password: "callerpw"}

	got := credentialsFor(b2bua.DialRequest{Auth: auth})
	if got.user != "caller" || got.password != "callerpw" {
		t.Errorf("without route credentials got %+v", got)
	}

	got = credentialsFor(b2bua.DialRequest{Auth: auth, Route: b2bua.Route{User: "trunk", Password: "trunkpw"}})
	if got.user != "trunk" || got.password != "trunkpw" {
		t.Errorf("with route credentials got %+v", got)
	}
}

func TestBuildInvite(t *testing.T) {
	d, _ := newTestDialer("")
	target := sip.Uri{Scheme: "sip", User: "5551000", Host: "carrier.example.com"}
	req := d.buildInvite("b-leg-1", target, b2bua.DialRequest{
		Source: "alice",
		Offer:  []byte(testOffer),
		Meta:   b2bua.Metadata{ControlID: "ctl-9"},
	})

	if req.CallID().Value() != "b-leg-1" {
		t.Errorf("call-id = %q, want b-leg-1", req.CallID().Value())
	}
	if req.From().Address.User != "alice" {
		t.Errorf("from user = %q, want alice", req.From().Address.User)
	}
	if tag, ok := req.From().Params.Get("tag"); !ok || tag == "" {
		t.Error("from header has no tag")
	}
	if req.To().Address.Host != "carrier.example.com" {
		t.Errorf("to host = %q", req.To().Address.Host)
	}
	if c := req.Contact(); c == nil || c.Address.Host != "198.51.100.1" {
		t.Error("contact header missing or wrong host")
	}
	if string(req.Body()) != testOffer {
		t.Error("offer not carried as body")
	}
	if h := req.GetHeader(hdrControlID); h == nil || h.Value() != "ctl-9" {
		t.Error("control id header not forwarded")
	}
	if req.GetHeader(hdrAuthPassword) != nil {
		t.Error("caller password leaked to the outbound leg")
	}
}

func answerFor(invite *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(invite, 200, "OK", []byte(testOffer))
	res.To().Params.Add("tag", "calleetag")
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "203.0.113.9", Port: 5090}})
	return res
}

func TestBuildInDialog(t *testing.T) {
	invite := newTestInvite("uac@flowgate")
	res := answerFor(invite)

	for _, tt := range []struct {
		method  sip.RequestMethod
		build   func(*sip.Request, *sip.Response) *sip.Request
		wantSeq uint32
	}{
		{sip.ACK, buildACKFor2xx, 7},
		{sip.BYE, buildByeFor2xx, 8},
	} {
		t.Run(string(tt.method), func(t *testing.T) {
			req := tt.build(invite, res)
			if req.Method != tt.method {
				t.Fatalf("method = %s, want %s", req.Method, tt.method)
			}
			if req.Recipient.Host != "203.0.113.9" || req.Recipient.Port != 5090 {
				t.Errorf("request uri = %s, want callee contact", req.Recipient.String())
			}
			if tag, _ := req.To().Params.Get("tag"); tag != "calleetag" {
				t.Errorf("to tag = %q, want calleetag", tag)
			}
			if tag, _ := req.From().Params.Get("tag"); tag != "alicetag" {
				t.Errorf("from tag = %q, want alicetag", tag)
			}
			if cseq := req.CSeq(); cseq.SeqNo != tt.wantSeq || cseq.MethodName != tt.method {
				t.Errorf("cseq = %d %s, want %d %s", cseq.SeqNo, cseq.MethodName, tt.wantSeq, tt.method)
			}
		})
	}
}

func TestBuildCancel(t *testing.T) {
	invite := newTestInvite("cancel@flowgate")
	cancel := buildCancel(invite)

	if cancel.Method != sip.CANCEL {
		t.Fatalf("method = %s, want CANCEL", cancel.Method)
	}
	if cancel.Recipient.String() != invite.Recipient.String() {
		t.Errorf("request uri = %s, want %s", cancel.Recipient.String(), invite.Recipient.String())
	}
	want, _ := invite.Via().Params.Get("branch")
	if cancel.Via() == nil {
		t.Fatal("via not copied from invite")
	}
	if got, _ := cancel.Via().Params.Get("branch"); got != want {
		t.Errorf("via branch = %q, want %q", got, want)
	}
	if cancel.CSeq().SeqNo != invite.CSeq().SeqNo || cancel.CSeq().MethodName != sip.CANCEL {
		t.Errorf("cseq = %d %s", cancel.CSeq().SeqNo, cancel.CSeq().MethodName)
	}
	if cancel.CallID().Value() != "cancel@flowgate" {
		t.Errorf("call-id = %q", cancel.CallID().Value())
	}
}

func TestAuthorize(t *testing.T) {
	invite := newTestInvite("auth@flowgate")
	creds := credentials{user: "alice", password: "secret"}

	tests := []struct {
		code   int
		header string
		want   string
	}{
		{401, "WWW-Authenticate", "Authorization"},
		{407, "Proxy-Authenticate", "Proxy-Authorization"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			res := sip.NewResponseFromRequest(invite, tt.code, "Challenge", nil)
			res.AppendHeader(sip.NewHeader(tt.header, `Digest realm="carrier.example.com", nonce="abc123", algorithm=MD5`))

			req, err := authorize(invite, res, creds)
			if err != nil {
				t.Fatalf("authorize() error: %v", err)
			}
			h := req.GetHeader(tt.want)
			if h == nil {
				t.Fatalf("%s header missing", tt.want)
			}
			if !strings.Contains(h.Value(), `username="alice"`) || !strings.Contains(h.Value(), `realm="carrier.example.com"`) {
				t.Errorf("%s = %q", tt.want, h.Value())
			}
			if req.Via() != nil {
				t.Error("via should be stripped for the new transaction")
			}
			if invite.GetHeader(tt.want) != nil {
				t.Error("original invite was modified")
			}
		})
	}

	t.Run("missing challenge", func(t *testing.T) {
		res := sip.NewResponseFromRequest(invite, 401, "Unauthorized", nil)
		if _, err := authorize(invite, res, creds); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOutboundLegTransportFailure(t *testing.T) {
	d, client := newTestDialer("")
	sink := &sinkRecorder{ch: make(chan b2bua.Event, 4)}

	leg, err := d.Dial(b2bua.DialRequest{CallID: "a", Attempt: 1, Source: "alice", Route: b2bua.Route{URI: "sip:100@carrier.example.com"}}, sink)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if leg == nil {
		t.Fatal("Dial() returned nil leg")
	}

	select {
	case ev := <-sink.ch:
		if ev.Kind != b2bua.LegBFailed || ev.Code != 0 {
			t.Fatalf("event = %s code %d, want leg_b_failed code 0", ev.Kind, ev.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event from failed leg")
	}

	if n := len(client.requests()); n != 1 {
		t.Errorf("sent %d requests, want the one INVITE", n)
	}
	d.wg.Wait()
	if d.Len() != 0 {
		t.Errorf("Len() = %d after failure, want 0", d.Len())
	}
}

func TestOutboundLegCancelBeforeSend(t *testing.T) {
	d, _ := newTestDialer("")
	sink := &sinkRecorder{ch: make(chan b2bua.Event, 4)}

	leg := &outboundLeg{d: d, callID: "x", sink: sink, logger: testLogger(), cancelled: true}
	leg.ctx, leg.stop = context.WithCancel(d.ctx)
	d.legs["x"] = leg

	leg.run()
	select {
	case ev := <-sink.ch:
		if ev.Kind != b2bua.LegBReleased {
			t.Fatalf("event = %s, want leg_b_released", ev.Kind)
		}
	default:
		t.Fatal("no release for a leg cancelled before its INVITE went out")
	}
	if d.Len() != 0 {
		t.Error("leg still registered")
	}
}

func TestOutboundLegHangupTrackedByClose(t *testing.T) {
	d, client := newTestDialer("")
	sink := &sinkRecorder{ch: make(chan b2bua.Event, 4)}

	invite := newTestInvite("answered@flowgate")
	leg := &outboundLeg{
		d:      d,
		callID: "answered@flowgate",
		sink:   sink,
		logger: testLogger(),
		invite: invite,
		answer: answerFor(invite),
		sent:   true,
		state:  outboundAnswered,
	}
	leg.ctx, leg.stop = context.WithCancel(d.ctx)
	d.legs[leg.callID] = leg

	leg.Hangup()
	d.wg.Wait()

	reqs := client.requests()
	if len(reqs) != 1 || reqs[0].Method != sip.BYE {
		t.Fatalf("sent %d requests, want one BYE before the wait returned", len(reqs))
	}
	select {
	case ev := <-sink.ch:
		if ev.Kind != b2bua.LegBReleased {
			t.Fatalf("event = %s, want leg_b_released", ev.Kind)
		}
	default:
		t.Fatal("hangup finished without releasing the leg")
	}
	if d.Len() != 0 {
		t.Error("leg still registered")
	}
}
