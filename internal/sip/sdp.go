package sip

import (
	"errors"
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

var (
	errNoOffer         = errors.New("no session description")
	errNoMedia         = errors.New("no media descriptions")
	errNoConnection    = errors.New("media without IN IP4 connection address")
	errUnsupportedAddr = errors.New("unsupported connection address type")
)

// offerInfo summarizes a validated session description for logging.
type offerInfo struct {
	Address string
	Port    int
	Media   []string
}

// validateOffer checks that body is a session description the gateway can
// relay: it parses, carries at least one media line, and every media line
// resolves to an IN IP4 connection address (its own or the session's).
func validateOffer(body []byte) (offerInfo, error) {
	if len(body) == 0 {
		return offerInfo{}, errNoOffer
	}

	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return offerInfo{}, fmt.Errorf("parsing sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return offerInfo{}, errNoMedia
	}

	var info offerInfo
	for i, md := range desc.MediaDescriptions {
		conn := md.ConnectionInformation
		if conn == nil {
			conn = desc.ConnectionInformation
		}
		addr, err := ip4Address(conn)
		if err != nil {
			return offerInfo{}, fmt.Errorf("media %d (%s): %w", i, md.MediaName.Media, err)
		}
		if i == 0 {
			info.Address = addr
			info.Port = md.MediaName.Port.Value
		}
		info.Media = append(info.Media, md.MediaName.Media)
	}
	return info, nil
}

func ip4Address(conn *psdp.ConnectionInformation) (string, error) {
	if conn == nil || conn.Address == nil || conn.Address.Address == "" {
		return "", errNoConnection
	}
	if conn.NetworkType != "IN" || conn.AddressType != "IP4" {
		return "", fmt.Errorf("%w: %s %s", errUnsupportedAddr, conn.NetworkType, conn.AddressType)
	}
	return conn.Address.Address, nil
}
