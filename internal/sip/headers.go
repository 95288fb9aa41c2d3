package sip

import (
	"errors"
	"net"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// Control headers a trusted peer may attach to an INVITE.
const (
	hdrAuthRealm    = "X-Auth-Realm"
	hdrAuthUser     = "X-Auth-User"
	hdrAuthPassword = "X-Auth-Password"
	hdrContextID    = "X-Context-Id"
	hdrAccountID    = "X-Account-Id"
	hdrBaseIP       = "X-Base-Ip"
	hdrControlID    = "X-Control-Id"
)

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// callParams builds the call-manager request for an inbound INVITE. The
// X- control headers are only honoured from trusted peers; for everyone else
// the caller is identified by its From user and the request domain.
func callParams(req *sip.Request, leg b2bua.LegA, trusted bool) b2bua.NewCallParams {
	p := b2bua.NewCallParams{
		LegA:        leg,
		Destination: req.Recipient.User,
		SourceIP:    sourceIP(req.Source()),
	}
	if from := req.From(); from != nil {
		p.Source = from.Address.User
	}
	if p.Destination == "" {
		if to := req.To(); to != nil {
			p.Destination = to.Address.User
		}
	}

	if !trusted {
		p.AuthUser = p.Source
		p.AuthRealm = req.Recipient.Host
		return p
	}

	p.AuthRealm = headerValue(req, hdrAuthRealm)
	p.AuthUser = headerValue(req, hdrAuthUser)
	p.AuthPassword = headerValue(req, hdrAuthPassword)
	p.ContextID = headerValue(req, hdrContextID)
	p.AccountID = headerValue(req, hdrAccountID)
	p.BaseIP = headerValue(req, hdrBaseIP)
	p.ControlID = headerValue(req, hdrControlID)
	if p.AuthUser == "" {
		p.AuthUser = p.Source
	}
	if p.AuthRealm == "" {
		p.AuthRealm = req.Recipient.Host
	}
	return p
}

// sourceIP strips the port from a transport source address.
func sourceIP(source string) string {
	if host, _, err := net.SplitHostPort(source); err == nil {
		return host
	}
	return source
}

// rejectionFor maps an OnNewCall error to the final response sent upstream.
func rejectionFor(err error) (int, string) {
	switch {
	case errors.Is(err, b2bua.ErrAuthorizationDenied):
		return 403, "Forbidden"
	case errors.Is(err, b2bua.ErrDuplicateCall):
		return 482, "Loop Detected"
	case errors.Is(err, b2bua.ErrStopping):
		return 503, "Service Unavailable"
	default:
		return 500, "Server Internal Error"
	}
}
