// Package discovery advertises and finds peers that share a service namespace.
//
// Presence travels over a Beacon. MDNS publishes real multicast DNS records;
// LocalBeacon connects peers living in the same process. A Scanner turns raw
// beacon sightings into deduplicated found/lost events.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

// ErrInvalidNamespace is returned for namespaces that cannot be published.
var ErrInvalidNamespace = errors.New("discovery: invalid service namespace")

// namespaces become the mDNS service label, which limits them to 15 characters.
var namespacePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,13}[a-z0-9])?$`)

// ValidateNamespace checks that namespace can be used as a service label.
func ValidateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	return nil
}

// ServiceType returns the DNS-SD service type for a namespace.
func ServiceType(namespace string) string {
	return "_" + namespace + "._tcp"
}

// Record is one peer's advertised presence.
type Record struct {
	PeerID      string
	DisplayName string
	Version     int
	Port        int
	Addresses   []string
	Info        map[string]string
	LastSeen    time.Time
}

// Endpoints returns dialable host:port pairs for the record.
func (r Record) Endpoints() []string {
	out := make([]string, 0, len(r.Addresses))
	for _, addr := range r.Addresses {
		out = append(out, joinHostPort(addr, r.Port))
	}
	return out
}

func (r Record) clone() Record {
	out := r
	out.Addresses = slices.Clone(r.Addresses)
	out.Info = maps.Clone(r.Info)
	return out
}

// sameEndpoint ignores LastSeen and Info when comparing two sightings.
func (r Record) sameEndpoint(other Record) bool {
	return r.PeerID == other.PeerID &&
		r.DisplayName == other.DisplayName &&
		r.Port == other.Port &&
		slices.Equal(r.Addresses, other.Addresses)
}

// Publication is a live advertisement. Withdraw stops it and may be called more than once.
type Publication interface {
	Withdraw()
}

// Beacon is the presence transport used by advertisers and scanners.
type Beacon interface {
	// Publish starts announcing record under namespace until the publication is withdrawn.
	Publish(namespace string, record Record) (Publication, error)
	// Browse reports every record seen under namespace until ctx is done.
	Browse(ctx context.Context, namespace string, found chan<- Record) error
}
