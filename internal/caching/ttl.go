package caching

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTLCaches bundles the short-lived positive/negative caches that sit in
// front of network calls: DNS SRV lookups for server discovery, bad event
// IDs the auth pipeline has already rejected once, and the notary
// fallback list for server key acquisition.
type TTLCaches struct {
	dnsSRV    *gocache.Cache
	badEvents *gocache.Cache
	notary    *gocache.Cache
}

// NewTTLCaches constructs the three TTL caches with the lifetimes the
// federation client and event pipeline use in practice: DNS results live
// five minutes, a bad event ID is remembered for an hour so repeated
// transactions referencing it don't re-verify it, and notary fallback
// decisions live ten minutes.
func NewTTLCaches() *TTLCaches {
	return &TTLCaches{
		dnsSRV:    gocache.New(5*time.Minute, 10*time.Minute),
		badEvents: gocache.New(time.Hour, 2*time.Hour),
		notary:    gocache.New(10*time.Minute, 20*time.Minute),
	}
}

// GetDNSSRV returns a cached SRV lookup result (a list of "host:port"
// targets) for name, if present.
func (t *TTLCaches) GetDNSSRV(name string) ([]string, bool) {
	v, ok := t.dnsSRV.Get(name)
	if !ok {
		return nil, false
	}
	targets, ok := v.([]string)
	return targets, ok
}

// StoreDNSSRV caches a resolved SRV target list for name.
func (t *TTLCaches) StoreDNSSRV(name string, targets []string) {
	t.dnsSRV.SetDefault(name, targets)
}

// IsBadEvent reports whether eventID has already failed hash/signature or
// auth verification within the TTL window.
func (t *TTLCaches) IsBadEvent(eventID string) (reason string, ok bool) {
	v, found := t.badEvents.Get(eventID)
	if !found {
		return "", false
	}
	reason, _ = v.(string)
	return reason, true
}

// MarkBadEvent records that eventID failed verification for reason, so
// subsequent transactions referencing it short-circuit without
// re-verifying.
func (t *TTLCaches) MarkBadEvent(eventID, reason string) {
	t.badEvents.SetDefault(eventID, reason)
}

// GetNotaryFallback returns whether serverName has recently required
// falling back to a notary server for key acquisition.
func (t *TTLCaches) GetNotaryFallback(serverName string) (bool, bool) {
	v, ok := t.notary.Get(serverName)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// MarkNotaryFallback records that serverName required (or didn't require)
// notary fallback on the most recent key acquisition attempt.
func (t *TTLCaches) MarkNotaryFallback(serverName string, usedNotary bool) {
	t.notary.SetDefault(serverName, usedNotary)
}
