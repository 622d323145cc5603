// Package announce advertises the downstream NMEA port over DNS-SD so
// clients on the local network can find it without an address.
package announce

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD type for a raw NMEA 0183 stream over TCP.
const ServiceType = "_nmea-0183._tcp"

// DefaultName is "rtkbridge on <host>", or "rtkbridge" when the hostname is
// unavailable.
func DefaultName() string {
	return defaultName(os.Hostname())
}

func defaultName(hostname string, err error) string {
	hostname, _, _ = strings.Cut(strings.TrimSpace(hostname), ".")
	if err != nil || hostname == "" {
		return "rtkbridge"
	}
	return "rtkbridge on " + hostname
}

// PortOf extracts the TCP port from a listen address like "0.0.0.0:6543".
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("announce: %w", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("announce: invalid port %q", p)
	}
	return port, nil
}

// Start registers the service and answers mDNS queries until ctx is done.
// Registration errors are returned; responder errors are logged.
func Start(ctx context.Context, name string, port int, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if name == "" {
		name = DefaultName()
	}

	sv, err := dnssd.NewService(dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
	})
	if err != nil {
		return fmt.Errorf("announce: create service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("announce: create responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("announce: add service: %w", err)
	}

	logger.Info("announcing downstream", "name", name, "type", ServiceType, "port", port)
	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("dns-sd responder stopped", "err", err)
		}
	}()
	return nil
}
