// Package discovery locates a Snapcast server's JSON-RPC control port on the
// local network and advertises the daemon's own API over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/mdns"
)

// Service types.
const (
	SnapcastControlService = "_snapcast-jsonrpc._tcp"
	APIService             = "_multivol._tcp"
)

// ErrNotFound means no server answered within the browse window.
var ErrNotFound = errors.New("discovery: no server found")

// Server is one discovered endpoint.
type Server struct {
	Name string
	Host string
	Port int
}

// queryFunc matches mdns.Query so tests can substitute it.
type queryFunc func(*mdns.QueryParam) error

// Browser looks up services of one type.
type Browser struct {
	service string
	timeout time.Duration
	logger  *slog.Logger
	query   queryFunc
}

// NewBrowser returns a browser for service. timeout bounds each query round.
func NewBrowser(service string, timeout time.Duration, logger *slog.Logger) *Browser {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Browser{service: service, timeout: timeout, logger: logger, query: mdns.Query}
}

// Find returns the first server that answers. Entries without an IPv4
// address are skipped.
func (b *Browser) Find(ctx context.Context) (Server, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan Server, 1)
	drained := make(chan struct{})

	go func() {
		defer close(drained)
		for entry := range entries {
			if entry == nil || entry.AddrV4 == nil {
				continue
			}
			srv := Server{Name: entry.Name, Host: entry.AddrV4.String(), Port: entry.Port}
			select {
			case found <- srv:
			default:
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		err := b.query(&mdns.QueryParam{
			Service:     b.service,
			Domain:      "local",
			Timeout:     b.timeout,
			Entries:     entries,
			DisableIPv6: true,
		})
		close(entries)
		errc <- err
	}()

	select {
	case srv := <-found:
		b.logger.Info("discovered server", "service", b.service, "name", srv.Name, "host", srv.Host, "port", srv.Port)
		return srv, nil
	case err := <-errc:
		<-drained
		select {
		case srv := <-found:
			return srv, nil
		default:
		}
		if err != nil {
			return Server{}, fmt.Errorf("browse %s: %w", b.service, err)
		}
		return Server{}, ErrNotFound
	case <-ctx.Done():
		return Server{}, ctx.Err()
	}
}

// Advertise publishes the daemon's HTTP API until ctx is done.
func Advertise(ctx context.Context, instance string, port int, logger *slog.Logger) error {
	ips, err := localIPv4s()
	if err != nil {
		return fmt.Errorf("local addresses: %w", err)
	}
	service, err := mdns.NewMDNSService(instance, APIService, "", "", port, ips, []string{"path=/api"})
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("start mdns server: %w", err)
	}
	logger.Info("advertising api over mdns", "instance", instance, "service", APIService, "port", port)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

func localIPv4s() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
