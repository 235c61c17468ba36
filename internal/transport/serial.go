package transport

import (
	"net/http"
	"strings"
)

// deviceIdentityHeader carries the device's Weave-style identity string,
// e.g. "swn:001AAAA1234567". resolveSerial strips the "swn:" scheme and
// returns the bare serial.
const deviceIdentityHeader = "X-nl-device-id"

// resolveSerial extracts the requesting device's serial from the identity
// header, falling back to the client certificate's CN when present (TLS
// client-auth deployments). Returns ok=false if neither yields a usable
// serial — requests without a resolvable serial to a device endpoint
// receive 401.
func resolveSerial(r *http.Request) (string, bool) {
	if id := r.Header.Get(deviceIdentityHeader); id != "" {
		if serial, ok := parseDeviceIdentity(id); ok {
			return serial, true
		}
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if cn != "" {
			return cn, true
		}
	}
	return "", false
}

func parseDeviceIdentity(id string) (string, bool) {
	const scheme = "swn:"
	if strings.HasPrefix(id, scheme) {
		serial := strings.TrimPrefix(id, scheme)
		if serial == "" {
			return "", false
		}
		return serial, true
	}
	if id != "" {
		return id, true
	}
	return "", false
}
