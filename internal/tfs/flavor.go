package tfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Flavor selects between the two dialects of the REST protocol: the hosted
// service and an on-premises server.
type Flavor string

const (
	FlavorOnPremises Flavor = "tfs"
	FlavorHosted     Flavor = "vso"
)

// Other returns the alternate flavor.
func (f Flavor) Other() Flavor {
	if f == FlavorHosted {
		return FlavorOnPremises
	}
	return FlavorHosted
}

var hostedSuffixes = []string{"visualstudio.com", ".tfsallin.net", "dev.azure.com"}

// GuessFlavor picks a flavor from the server URL's host name.
func GuessFlavor(u *url.URL) Flavor {
	host := strings.ToLower(u.Hostname())
	for _, suffix := range hostedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return FlavorHosted
		}
	}
	return FlavorOnPremises
}

// ParseServerURL checks that raw is an absolute http(s) URL.
func ParseServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// NewValidatedClient builds a client for the flavor guessed from the URL and
// probes it by listing projects. When the probe is rejected as unauthorized or
// not found, the other flavor is tried once. Any other failure is returned
// as is.
func NewValidatedClient(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*HTTPClient, error) {
	u, err := ParseServerURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	flavor := GuessFlavor(u)
	client := NewHTTPClient(cfg, flavor)
	_, err = client.ListProjects(ctx)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("validating %s client: %w", flavor, err)
	}

	logger.Warn("remote probe failed, trying alternate flavor",
		"server", u.Host,
		"flavor", flavor,
		"alternate", flavor.Other(),
		"error", err,
	)

	alt := NewHTTPClient(cfg, flavor.Other())
	if _, altErr := alt.ListProjects(ctx); altErr != nil {
		return nil, fmt.Errorf("validating %s client: %w", alt.flavor, altErr)
	}
	return alt, nil
}
