package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestMDNSPublishBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	beacon := NewMDNS(MDNSConfig{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})

	publication, err := beacon.Publish("chat", Record{
		PeerID:      "peer-123",
		DisplayName: "Alice Laptop",
		Port:        9999,
		Info:        map[string]string{"mode": "chat"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	publication.Withdraw()
	publication.Withdraw()

	if gotInstance != "peer-123" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != "_chat._tcp" {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=peer-123")
	assertContainsTXT(t, gotTXT, "name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "info.mode=chat")
}

func TestMDNSPublishRejectsInvalidInput(t *testing.T) {
	beacon := NewMDNS(MDNSConfig{
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register must not be called for invalid input")
			return nil, nil
		},
	})

	if _, err := beacon.Publish("Bad_Name", Record{PeerID: "p", Port: 1}); err == nil {
		t.Fatalf("expected invalid namespace to fail")
	}
	if _, err := beacon.Publish("chat", Record{Port: 1}); err == nil {
		t.Fatalf("expected missing peer ID to fail")
	}
	if _, err := beacon.Publish("chat", Record{PeerID: "p"}); err == nil {
		t.Fatalf("expected missing port to fail")
	}
}

func TestMDNSBrowseConvertsEntries(t *testing.T) {
	beacon := NewMDNS(MDNSConfig{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != "_chat._tcp" {
				t.Errorf("unexpected service %q", service)
			}
			go func() {
				entries <- &zeroconf.ServiceEntry{HostName: "junk.local."}
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
				<-ctx.Done()
				close(entries)
			}()
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	found := make(chan Record, 4)
	if err := beacon.Browse(ctx, "chat", found); err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	close(found)

	var records []Record
	for record := range found {
		records = append(records, record)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	got := records[0]
	if got.PeerID != "peer-1" || got.DisplayName != "Bob" || got.Port != 9998 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Info["mode"] != "chat" {
		t.Fatalf("expected discovery info to round-trip, got %v", got.Info)
	}
	if endpoints := got.Endpoints(); len(endpoints) != 1 || endpoints[0] != "10.0.0.2:9998" {
		t.Fatalf("unexpected endpoints %v", endpoints)
	}
}

func TestValidateNamespace(t *testing.T) {
	valid := []string{"chat", "send-image", "a", "abcdefghijklmno"}
	for _, ns := range valid {
		if err := ValidateNamespace(ns); err != nil {
			t.Fatalf("expected %q to be valid: %v", ns, err)
		}
	}

	invalid := []string{"", "-chat", "chat-", "Chat", "with space", "abcdefghijklmnop", "under_score"}
	for _, ns := range invalid {
		if err := ValidateNamespace(ns); err == nil {
			t.Fatalf("expected %q to be invalid", ns)
		}
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, entry := range txt {
		if entry == expected {
			return
		}
	}
	t.Fatalf("expected TXT record %q in %v", expected, txt)
}
