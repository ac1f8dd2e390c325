package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environments understood by the tracker and forwarder.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config contains runtime configuration shared by the forwarder service and
// the tracking client tooling.
type Config struct {
	Addr        string
	Environment string

	// ServerToken is the vendor write token used by the forwarder. It never
	// leaves the server process.
	ServerToken  string
	ServerSecret string

	// PublicToken is safe to hand to clients (direct transport).
	PublicToken string
	VendorURL   string

	ForwardTimeout time.Duration
	ProxyTimeout   time.Duration
	ProxyBaseURL   string

	DebugTracking  bool
	DiagnosticKeys map[string]string // apiKey -> name
	TrustedProxies []string

	IdentityRedisURL string
	IdentityDBURL    string
}

// Development reports whether developer-only warnings should be emitted.
func (c Config) Development() bool {
	return c.Environment != EnvProduction
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer (milliseconds)")
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Load reads configuration from environment variables.
// DIAGNOSTIC_KEYS format: "name:key,name:key"
// TRUSTED_PROXIES format: "10.0.0.0/8,127.0.0.1"
func Load() (Config, error) {
	env := strings.ToLower(getenv("APP_ENV", getenv("NODE_ENV", EnvDevelopment)))
	if env != EnvDevelopment && env != EnvProduction {
		return Config{}, errors.New(`APP_ENV must be "development" or "production"`)
	}

	forwardTimeout, err := getenvMillis("FORWARD_TIMEOUT_MS", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	proxyTimeout, err := getenvMillis("PROXY_TIMEOUT_MS", time.Second)
	if err != nil {
		return Config{}, err
	}

	keys, err := parseKeys(os.Getenv("DIAGNOSTIC_KEYS"))
	if err != nil {
		return Config{}, err
	}

	debug, _ := strconv.ParseBool(getenv("DEBUG_TRACKING", "false"))

	return Config{
		Addr:             getenv("ADDR", ":8080"),
		Environment:      env,
		ServerToken:      getenv("ANALYTICS_SERVER_TOKEN", getenv("MIXPANEL_TOKEN", "")),
		ServerSecret:     getenv("ANALYTICS_SERVER_SECRET", ""),
		PublicToken:      getenv("ANALYTICS_PUBLIC_TOKEN", ""),
		VendorURL:        strings.TrimSuffix(getenv("ANALYTICS_VENDOR_URL", "https://api.mixpanel.com"), "/"),
		ForwardTimeout:   forwardTimeout,
		ProxyTimeout:     proxyTimeout,
		ProxyBaseURL:     strings.TrimSuffix(getenv("PROXY_BASE_URL", "http://localhost:8080"), "/"),
		DebugTracking:    debug,
		DiagnosticKeys:   keys,
		TrustedProxies:   splitList(os.Getenv("TRUSTED_PROXIES")),
		IdentityRedisURL: getenv("IDENTITY_REDIS_URL", ""),
		IdentityDBURL:    getenv("IDENTITY_DB_URL", ""),
	}, nil
}

func parseKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range splitList(raw) {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`DIAGNOSTIC_KEYS must be "name:key,name:key"`)
		}
		name := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if name == "" || key == "" {
			return nil, errors.New(`DIAGNOSTIC_KEYS must be "name:key,name:key"`)
		}
		keys[key] = name
	}
	return keys, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
