package pool

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// FriendlyName renders a RelayUrl as a short human label for log lines:
// the registrable domain "damus.io" rather than "wss://relay.damus.io/v2".
// IP addresses and localhost are returned as the bare host.
func FriendlyName(u RelayUrl) string {
	host := hostOf(string(u))
	if host == "" {
		return string(u)
	}

	if ip := net.ParseIP(host); ip != nil {
		return host
	}
	if host == "localhost" {
		return host
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	ascii, err := idna.ToASCII(etld1)
	if err != nil {
		return etld1
	}
	return ascii
}

func hostOf(raw string) string {
	without := raw
	if idx := strings.Index(without, "://"); idx != -1 {
		without = without[idx+3:]
	}
	if idx := strings.IndexAny(without, "/?#"); idx != -1 {
		without = without[:idx]
	}
	if idx := strings.LastIndex(without, "@"); idx != -1 {
		without = without[idx+1:]
	}
	if strings.HasPrefix(without, "[") {
		if idx := strings.Index(without, "]"); idx != -1 {
			return without[1:idx]
		}
	}
	if idx := strings.LastIndex(without, ":"); idx != -1 {
		return without[:idx]
	}
	return without
}
