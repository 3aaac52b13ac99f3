package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultServiceType = "_swarmshare._tcp"
	DefaultDomain      = "local"

	// TextRelayPath is the TXT key carrying the relay's HTTP base path.
	TextRelayPath = "path"
)

type ServiceInfo struct {
	Name   string // instance name
	Type   string // service type, e.g. "_swarmshare._tcp"
	Domain string // domain, e.g. "local"
	Addr   net.IP
	Port   int
	Text   map[string]string
}

// URL returns the relay base URL advertised by the service.
func (s ServiceInfo) URL() string {
	host := net.JoinHostPort(s.Addr.String(), strconv.Itoa(s.Port))
	return fmt.Sprintf("http://%s%s", host, s.Text[TextRelayPath])
}

// DiscoveryResult carries either a snapshot of the services currently
// visible or a lookup error.
type DiscoveryResult struct {
	Services []ServiceInfo
	Error    error
}

type Adapter interface {
	Announce(ctx context.Context, service ServiceInfo) error
	Discover(ctx context.Context, service string) <-chan DiscoveryResult
}

// ServiceName is the fully qualified browse name of a service type.
func ServiceName(serviceType, domain string) string {
	return fmt.Sprintf("%s.%s.", serviceType, domain)
}

// FindRelay returns the URL of the first relay seen on the network.
func FindRelay(ctx context.Context, adapter Adapter) (string, error) {
	results := adapter.Discover(ctx, ServiceName(DefaultServiceType, DefaultDomain))
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no relay found: %w", ctx.Err())
		case res, ok := <-results:
			if !ok {
				return "", fmt.Errorf("no relay found: lookup ended")
			}
			if res.Error != nil {
				return "", res.Error
			}
			for _, svc := range res.Services {
				if svc.Addr != nil {
					return svc.URL(), nil
				}
			}
		}
	}
}
