// Package ipinfo looks up where the monitoring host is connected from, so the
// server list can be narrowed to the client's own country.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"speedtest-monitor/pkg/fetch"
)

const DefaultBaseURL = "https://ipinfo.io"

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Anycast  bool   `json:"anycast"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

type Client struct {
	BaseURL    string
	Token      string
	Transport  string
	TimeoutSec int
}

// GetIPInfo returns the record for ip. An empty ip asks about the address the
// request arrives from, which is the public address of the configured
// transport.
func (c Client) GetIPInfo(ctx context.Context, ip string) (IPInfoResponse, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	target := strings.TrimSuffix(base, "/") + "/json"
	if ip != "" {
		target = strings.TrimSuffix(base, "/") + "/" + url.PathEscape(ip) + "/json"
	}
	if c.Token != "" {
		target += "?token=" + url.QueryEscape(c.Token)
	}

	res, err := fetch.FetchOK(ctx, target, fetch.Options{
		Transport:  c.Transport,
		Headers:    []string{"Accept: application/json"},
		TimeoutSec: c.TimeoutSec,
	})
	if err != nil {
		return IPInfoResponse{}, fmt.Errorf("ipinfo lookup: %w", err)
	}

	var info IPInfoResponse
	if err := json.Unmarshal(res.Body, &info); err != nil {
		return IPInfoResponse{}, fmt.Errorf("decoding ipinfo response: %w", err)
	}
	return info, nil
}

// ClientInfo describes the host's public address. It fails when ipinfo
// cannot place the address in a country.
func (c Client) ClientInfo(ctx context.Context) (IPInfoResponse, error) {
	info, err := c.GetIPInfo(ctx, "")
	if err != nil {
		return IPInfoResponse{}, err
	}
	if info.Country == "" {
		return IPInfoResponse{}, fmt.Errorf("ipinfo returned no country for %s", info.IP)
	}
	return info, nil
}

// ParseOrg splits ipinfo's "AS13335 Cloudflare, Inc." org field into the AS
// number and name. Unparseable values come back whole as the name.
func ParseOrg(org string) (asn, name string) {
	parts := strings.SplitN(org, " ", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "AS") {
		return strings.TrimPrefix(parts[0], "AS"), parts[1]
	}
	return "", org
}
