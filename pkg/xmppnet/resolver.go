// Package xmppnet provides the raw-transport layer for the registration
// engine: service-record resolution, direct and proxied dialing, the
// in-place TLS upgrade, and a WebSocket framing variant. It knows
// nothing about registration semantics; it hands connected byte streams
// to the session layer.
package xmppnet

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/sammck-go/logger"
)

// DefaultPort is the well-known client-connection port used when service
// record resolution yields nothing.
const DefaultPort = 5222

// srvService is the client-connection service name looked up under the
// target domain.
const srvService = "xmpp-client"

// SRVLookupFunc performs a service record lookup. It matches the shape
// of net.Resolver.LookupSRV and is injectable so tests never touch a
// real resolver.
type SRVLookupFunc func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

// Resolver turns a domain name into a connectable (host, port) pair.
// Resolution never fails: on lookup error or an empty answer it falls
// back to the domain itself and the default port, deferring failure
// detection to the connect step. No retries happen at this layer.
type Resolver struct {
	log    logger.Logger
	lookup SRVLookupFunc
}

// NewResolver creates a Resolver using the system resolver.
func NewResolver(log logger.Logger) *Resolver {
	return &Resolver{
		log:    log.ForkLogStr("resolver"),
		lookup: net.DefaultResolver.LookupSRV,
	}
}

// NewResolverWithLookup creates a Resolver with a caller-supplied lookup
// function.
func NewResolverWithLookup(log logger.Logger, lookup SRVLookupFunc) *Resolver {
	return &Resolver{
		log:    log.ForkLogStr("resolver"),
		lookup: lookup,
	}
}

// Resolve returns the (host, port) to connect to for domain. The lowest
// priority record wins, ties broken by highest weight.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, int) {
	_, records, err := r.lookup(ctx, srvService, "tcp", domain)
	if err != nil || len(records) == 0 {
		if err != nil {
			r.log.DLogf("SRV lookup for %q failed (%s); using %s:%d", domain, err, domain, DefaultPort)
		} else {
			r.log.DLogf("No SRV records for %q; using %s:%d", domain, domain, DefaultPort)
		}
		return domain, DefaultPort
	}

	sorted := make([]*net.SRV, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Weight > sorted[j].Weight
	})

	best := sorted[0]
	host := strings.TrimSuffix(best.Target, ".")
	if host == "" {
		return domain, DefaultPort
	}
	r.log.DLogf("SRV lookup for %q -> %s:%d", domain, host, best.Port)
	return host, int(best.Port)
}
