package main

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultCloudflareAPIBase = "https://api.cloudflare.com/client/v4"

func loadConfig() config {
	suffix := envOrDefault("DEFAULT_SUFFIX", os.Getenv("SECOND_LEVEL_DOMAIN"))
	suffix = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(suffix)), ".")

	timeout := envOrDefaultDuration("PROVIDER_TIMEOUT", 10*time.Second)

	return config{
		HTTPListen:           envOrDefault("HTTP_LISTEN", ":3000"),
		DNSListen:            strings.TrimSpace(os.Getenv("DNS_LISTEN")),
		DBPath:               envOrDefault("DB_PATH", "data/domains.sqlite"),
		APIKey:               strings.TrimSpace(os.Getenv("API_KEY")),
		CloudflareToken:      strings.TrimSpace(os.Getenv("CLOUDFLARE_API_TOKEN")),
		CloudflareZoneID:     strings.TrimSpace(os.Getenv("CLOUDFLARE_ZONE_ID")),
		CloudflareAPIBase:    strings.TrimRight(envOrDefault("CLOUDFLARE_API_BASE", defaultCloudflareAPIBase), "/"),
		DefaultSuffix:        suffix,
		ReservedPrefix:       strings.ToLower(envOrDefault("RESERVED_PREFIX", "mc")),
		SRVService:           envOrDefault("SRV_SERVICE", "_minecraft"),
		SRVProtocol:          envOrDefault("SRV_PROTOCOL", "_tcp"),
		DefaultEndpointIndex: envOrDefaultInt("DEFAULT_ENDPOINT_INDEX", 0),
		FixedEndpoints:       splitCSV(os.Getenv("FIXED_ENDPOINTS")),
		ProviderTimeout:      timeout,
		RecordTTL:            envOrDefaultUint32("RECORD_TTL", 60),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "text"),
		ProviderHTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c config) validate() error {
	var errs []error
	if c.DefaultSuffix == "" {
		errs = append(errs, errors.New("DEFAULT_SUFFIX (or SECOND_LEVEL_DOMAIN) is required"))
	} else if !validDomainName(c.DefaultSuffix) {
		errs = append(errs, errors.New("DEFAULT_SUFFIX is not a valid domain name"))
	}
	if c.CloudflareToken == "" {
		errs = append(errs, errors.New("CLOUDFLARE_API_TOKEN is required"))
	}
	if c.CloudflareZoneID == "" {
		errs = append(errs, errors.New("CLOUDFLARE_ZONE_ID is required"))
	}
	if c.ReservedPrefix == "" {
		errs = append(errs, errors.New("RESERVED_PREFIX must not be empty"))
	}
	return errors.Join(errs...)
}

// isReserved reports whether label gets an SRV record next to its A record.
func (c config) isReserved(label string) bool {
	return strings.HasPrefix(strings.ToLower(label), c.ReservedPrefix)
}

func (c config) publicName(label string) string {
	return label + "." + c.DefaultSuffix
}

func (c config) srvName(label string) string {
	return c.SRVService + "." + c.SRVProtocol + "." + c.publicName(label)
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envOrDefaultUint32(key string, fallback uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return fallback
	}

	return uint32(n)
}

func envOrDefaultInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}

	return n
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
