package config

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"speedtest-monitor/pkg/fetch"
)

// SSConfig represents the shadowsocks configuration structure
type SSConfig struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Method     string `json:"method"`
	Password   string `json:"password"`
	Prefix     string `json:"prefix"`
}

// BuildURL converts the SSConfig into a shadowsocks URL
func (c *SSConfig) BuildURL() (string, error) {
	if c.Server == "" || c.ServerPort == 0 {
		return "", fmt.Errorf("shadowsocks config needs server and server_port")
	}

	// Create userinfo by base64 encoding "method:password"
	userInfo := base64.URLEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", c.Method, c.Password)))

	u := &url.URL{
		Scheme: "ss",
		User:   url.User(userInfo),
		Host:   fmt.Sprintf("%s:%d", c.Server, c.ServerPort),
	}

	if c.Prefix != "" {
		q := url.Values{}
		q.Add("prefix", c.Prefix)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// ParseSSConfig parses a JSON string into an SSConfig and returns the URL
func ParseSSConfig(jsonConfig string) (string, error) {
	var config SSConfig
	if err := json.Unmarshal([]byte(jsonConfig), &config); err != nil {
		return "", fmt.Errorf("failed to parse JSON config: %w", err)
	}

	return config.BuildURL()
}

// FetchSSConfig fetches an ssconfig:// URL over https and returns the
// shadowsocks URL it describes.
func FetchSSConfig(ctx context.Context, configURL string) (string, error) {
	u, err := url.Parse(configURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "ssconfig" {
		return "", fmt.Errorf("invalid URL scheme: must be ssconfig://")
	}
	u.Scheme = "https"

	res, err := fetch.FetchOK(ctx, u.String(), fetch.Options{})
	if err != nil {
		return "", fmt.Errorf("failed to fetch config: %w", err)
	}

	return parseSSContent(string(res.Body))
}

func parseSSContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "ss://") {
		return content, nil
	}
	return ParseSSConfig(content)
}

// ResolveTransport returns the outline-sdk transport config string the
// speedtest traffic should use.
func (c SpeedtestConfig) ResolveTransport(ctx context.Context) (string, error) {
	src := strings.TrimSpace(c.Shadowsocks)
	switch {
	case src == "":
		return c.Transport, nil
	case strings.HasPrefix(src, "ss://"):
		return src, nil
	case strings.HasPrefix(src, "ssconfig://"):
		return FetchSSConfig(ctx, src)
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read shadowsocks config: %w", err)
	}
	return parseSSContent(string(raw))
}
