// Package connectivity checks that a configured transport can reach the
// internet before speed tests are sent through it.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
)

const (
	DefaultResolver = "8.8.8.8"
	DefaultDomain   = "www.speedtest.net"
)

type Report struct {
	Transport  string     `json:"transport"`
	Resolver   string     `json:"resolver"`
	Proto      string     `json:"proto"`
	Time       time.Time  `json:"time"`
	DurationMs int64      `json:"duration_ms"`
	Error      *errorJSON `json:"error"`
}

type errorJSON struct {
	Op string `json:"op,omitempty"`
	// Posix error, when available
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

func (r Report) IsSuccess() bool {
	return r.Error == nil
}

// Err returns the failure as an error, or nil when the check passed.
func (r Report) Err() error {
	if r.Error == nil {
		return nil
	}
	if r.Error.Op != "" {
		return fmt.Errorf("transport check failed during %s: %s", r.Error.Op, r.Error.Msg)
	}
	return fmt.Errorf("transport check failed: %s", r.Error.Msg)
}

func makeErrorRecord(result *connectivity.ConnectivityError) *errorJSON {
	if result == nil {
		return nil
	}
	var record = new(errorJSON)
	record.Op = result.Op
	record.PosixError = result.PosixError
	record.Msg = findBaseError(result.Err).Error()
	record.MsgVerbose = result.Err.Error()

	return record
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		// Joined errors: the last one is usually the most specific
		if unwrapInterface, ok := err.(interface{ Unwrap() []error }); ok {
			errs := unwrapInterface.Unwrap()
			if len(errs) > 0 {
				err = errs[len(errs)-1]
				continue
			}
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

// CheckTransport resolves domain through transportConfig using the DNS
// resolver at resolver:53 over proto ("tcp" or "udp"). A failed check is
// reported in Report.Error; the returned error covers bad arguments only.
func CheckTransport(ctx context.Context, transportConfig, proto, resolver, domain string) (Report, error) {
	if resolver == "" {
		resolver = DefaultResolver
	}
	if domain == "" {
		domain = DefaultDomain
	}
	resolverAddress := net.JoinHostPort(resolver, "53")
	configToDialer := configurl.NewDefaultConfigToDialer()

	var dnsResolver dns.Resolver
	switch proto {
	case "tcp":
		streamDialer, err := configToDialer.NewStreamDialer(transportConfig)
		if err != nil {
			return Report{}, fmt.Errorf("could not create stream dialer: %w", err)
		}
		dnsResolver = dns.NewTCPResolver(streamDialer, resolverAddress)
	case "udp":
		packetDialer, err := configToDialer.NewPacketDialer(transportConfig)
		if err != nil {
			return Report{}, fmt.Errorf("could not create packet dialer: %w", err)
		}
		dnsResolver = dns.NewUDPResolver(packetDialer, resolverAddress)
	default:
		return Report{}, fmt.Errorf("invalid protocol %q, want tcp or udp", proto)
	}

	startTime := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, dnsResolver, domain)
	if err != nil {
		return Report{}, err
	}

	return Report{
		Transport:  transportConfig,
		Resolver:   resolverAddress,
		Proto:      proto,
		Time:       startTime.UTC().Truncate(time.Second),
		DurationMs: time.Since(startTime).Milliseconds(),
		Error:      makeErrorRecord(result),
	}, nil
}
