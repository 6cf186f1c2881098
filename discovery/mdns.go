package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// RecordVersion is the TXT record layout version.
	RecordVersion = 1

	txtPeerID  = "peer_id"
	txtName    = "name"
	txtVersion = "version"
	txtInfo    = "info."
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the multicast DNS beacon.
type MDNSConfig struct {
	Domain     string
	Interfaces []net.Interface

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		interfaces := out.Interfaces
		out.browseFn = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			var opts []zeroconf.ClientOption
			if len(interfaces) > 0 {
				opts = append(opts, zeroconf.SelectIfaces(interfaces))
			}
			resolver, err := zeroconf.NewResolver(opts...)
			if err != nil {
				return fmt.Errorf("create mDNS resolver: %w", err)
			}
			return resolver.Browse(ctx, service, domain, entries)
		}
	}
	return out
}

// MDNS is a Beacon backed by zeroconf service registration and browsing.
type MDNS struct {
	cfg MDNSConfig
}

// NewMDNS creates an mDNS beacon.
func NewMDNS(config MDNSConfig) *MDNS {
	return &MDNS{cfg: config.withDefaults()}
}

type mdnsPublication struct {
	server *zeroconf.Server
	once   sync.Once
}

func (p *mdnsPublication) Withdraw() {
	p.once.Do(func() {
		if p.server != nil {
			p.server.Shutdown()
		}
	})
}

// Publish registers the record as a DNS-SD instance named after the peer ID.
func (m *MDNS) Publish(namespace string, record Record) (Publication, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if strings.TrimSpace(record.PeerID) == "" {
		return nil, errors.New("peer ID is required")
	}
	if record.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	server, err := m.cfg.registerFn(record.PeerID, ServiceType(namespace), m.cfg.Domain, record.Port, recordToTXT(record), m.cfg.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &mdnsPublication{server: server}, nil
}

// Browse streams resolved service entries as records until ctx is done.
func (m *MDNS) Browse(ctx context.Context, namespace string, found chan<- Record) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := m.cfg.browseFn(ctx, ServiceType(namespace), m.cfg.Domain, entries); err != nil {
		return fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if entry == nil {
				continue
			}
			record, ok := recordFromEntry(entry)
			if !ok {
				continue
			}
			select {
			case found <- record:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func recordToTXT(record Record) []string {
	txt := []string{
		txtPeerID + "=" + record.PeerID,
		txtName + "=" + record.DisplayName,
		txtVersion + "=" + strconv.Itoa(RecordVersion),
	}

	keys := make([]string, 0, len(record.Info))
	for key := range record.Info {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		txt = append(txt, txtInfo+key+"="+record.Info[key])
	}
	return txt
}

func recordFromEntry(entry *zeroconf.ServiceEntry) (Record, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt[txtPeerID])
	if peerID == "" {
		return Record{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt[txtName])
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}

	var info map[string]string
	for key, value := range txt {
		if !strings.HasPrefix(key, txtInfo) {
			continue
		}
		if info == nil {
			info = make(map[string]string)
		}
		info[strings.TrimPrefix(key, txtInfo)] = value
	}

	return Record{
		PeerID:      peerID,
		DisplayName: name,
		Version:     version,
		Port:        entry.Port,
		Addresses:   addresses,
		Info:        info,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
