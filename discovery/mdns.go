// Package discovery announces Courier servers on the local network over
// mDNS and finds them again from the client.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// ServiceType is the mDNS service name without domain suffix.
	ServiceType = "_courier._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// Version is the TXT record format version.
	Version = 1
	// DefaultBrowseTimeout bounds one scan.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

var (
	register registerFunc = zeroconf.Register
	browse   browseFunc   = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("create mDNS resolver: %w", err)
		}
		return resolver.Browse(ctx, service, domain, entries)
	}
)

// Service is what a server announces.
type Service struct {
	Instance     string
	Port         int // main port
	TransferPort int
	QUIC         bool
}

func (s Service) txt() []string {
	return []string{
		"version=" + strconv.Itoa(Version),
		"transfer_port=" + strconv.Itoa(s.TransferPort),
		"quic=" + strconv.FormatBool(s.QUIC),
	}
}

// Announce advertises svc until ctx is done.
func Announce(ctx context.Context, svc Service, logger zerolog.Logger) error {
	if strings.TrimSpace(svc.Instance) == "" {
		return errors.New("instance name is required")
	}
	if svc.Port <= 0 {
		return errors.New("port must be > 0")
	}

	server, err := register(svc.Instance, ServiceType, Domain, svc.Port, svc.txt(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	logger.Info().
		Str("instance", svc.Instance).
		Int("port", svc.Port).
		Msg("announcing on the local network")

	<-ctx.Done()
	if server != nil {
		server.Shutdown()
	}
	return nil
}

// Found is a server seen on the network.
type Found struct {
	Instance     string
	HostName     string
	Addresses    []string
	Port         int
	TransferPort int
	QUIC         bool
}

// Address returns host:port of the main port, preferring IPv4.
func (f Found) Address() string {
	host := strings.TrimSuffix(f.HostName, ".")
	if len(f.Addresses) > 0 {
		host = f.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(f.Port))
}

// Browse scans for servers for at most timeout and returns them sorted by
// instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Found, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]Found)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if f, ok := parseEntry(entry); ok {
					seen[f.Instance] = f
				}
			case <-scanCtx.Done():
				return
			}
		}
	}()

	err := browse(scanCtx, ServiceType, Domain, entries)
	<-scanCtx.Done()
	<-collected
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("browse: %w", err)
	}

	found := make([]Found, 0, len(seen))
	for _, f := range seen {
		found = append(found, f)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Instance < found[j].Instance })
	return found, ctx.Err()
}

func parseEntry(entry *zeroconf.ServiceEntry) (Found, bool) {
	if entry == nil || entry.Instance == "" || entry.Port <= 0 {
		return Found{}, false
	}
	txt := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		if k, v, ok := strings.Cut(kv, "="); ok {
			txt[k] = v
		}
	}
	if v, _ := strconv.Atoi(txt["version"]); v != Version {
		return Found{}, false
	}

	f := Found{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		QUIC:     txt["quic"] == "true",
	}
	f.TransferPort, _ = strconv.Atoi(txt["transfer_port"])
	if f.TransferPort <= 0 {
		f.TransferPort = f.Port + 1
	}
	for _, ip := range entry.AddrIPv4 {
		f.Addresses = append(f.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		f.Addresses = append(f.Addresses, ip.String())
	}
	return f, true
}
