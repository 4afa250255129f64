package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_holoboard._tcp"

// Advertise announces a relay listening on port to the local network. Shut the returned server down to stop.
func Advertise(port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}
	service, err := mdns.NewMDNSService(host, serviceType, "", "", port, nil, []string{"holoboard relay"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	slog.Info("advertising relay", "service", serviceType, "port", port)
	return server, nil
}

func relayURL(e *mdns.ServiceEntry) (string, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return "", false
	}
	return fmt.Sprintf("ws://%s:%d", e.AddrV4.String(), e.Port), true
}

// Browse returns the url of the first relay that answers on the local network within timeout.
func Browse(ctx context.Context, timeout time.Duration) (string, error) {
	return browse(ctx, timeout, mdns.Query)
}

func browse(ctx context.Context, timeout time.Duration, query func(*mdns.QueryParam) error) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan string, 1)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for e := range entries {
			if u, ok := relayURL(e); ok {
				select {
				case found <- u:
				default:
				}
			}
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	errs := make(chan error, 1)
	go func() {
		errs <- query(params)
		close(entries)
	}()

	select {
	case u := <-found:
		return u, nil
	case err := <-errs:
		if err != nil {
			return "", fmt.Errorf("failed to browse for relays: %w", err)
		}
		<-consumed
		select {
		case u := <-found:
			return u, nil
		default:
			return "", fmt.Errorf("no relay found within %s", timeout)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
