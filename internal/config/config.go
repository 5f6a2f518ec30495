// Package config loads node configuration from environment variables,
// optionally seeded from a .env file in the working directory.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPort is the well-known discovery (UDP) and transfer (TCP) port.
const DefaultPort = 4113

// Config holds all node configuration.
type Config struct {
	// Network
	AdvertiseIP string
	Port        int

	// Folders
	SharedDir   string
	DownloadDir string
	Headless    bool

	// Initial exclusion policy
	RootOnly        bool
	ExcludedFolders []string
	ExcludedMasks   []string

	// Loops
	DiscoveryInterval time.Duration
	ShareInterval     time.Duration
	MonitorInterval   time.Duration
	DiscoveryWindow   time.Duration
	DiscoveryLimit    int64

	// Transfers
	DialTimeout  time.Duration
	IOTimeout    time.Duration
	ChunkRetries int

	// Optional persistent hash cache (leveldb directory)
	HashCacheDir string

	// Operator API
	APIAddr     string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	headless := envBool("PEERSHARE_HEADLESS", false)
	if _, ok := os.LookupEnv("DOCKER_BOOL"); ok {
		headless = true
	}

	sharedDefault, downloadDefault := "", ""
	if headless {
		sharedDefault, downloadDefault = "/shared", "/downloads"
	}

	cfg := &Config{
		AdvertiseIP:       envOr("PEERSHARE_ADVERTISE_IP", ""),
		Port:              envInt("PEERSHARE_PORT", DefaultPort),
		SharedDir:         envOr("PEERSHARE_SHARED_DIR", sharedDefault),
		DownloadDir:       envOr("PEERSHARE_DOWNLOAD_DIR", downloadDefault),
		Headless:          headless,
		RootOnly:          envBool("PEERSHARE_ROOT_ONLY", false),
		ExcludedFolders:   envList("PEERSHARE_EXCLUDED_FOLDERS"),
		ExcludedMasks:     envList("PEERSHARE_EXCLUDED_MASKS"),
		DiscoveryInterval: envDuration("PEERSHARE_DISCOVERY_INTERVAL", 5*time.Second),
		ShareInterval:     envDuration("PEERSHARE_SHARE_INTERVAL", 5*time.Second),
		MonitorInterval:   envDuration("PEERSHARE_MONITOR_INTERVAL", 5*time.Second),
		DiscoveryWindow:   envDuration("PEERSHARE_DISCOVERY_WINDOW", 5*time.Second),
		DiscoveryLimit:    envInt64("PEERSHARE_DISCOVERY_LIMIT", 10000),
		DialTimeout:       envDuration("PEERSHARE_DIAL_TIMEOUT", 5*time.Second),
		IOTimeout:         envDuration("PEERSHARE_IO_TIMEOUT", 30*time.Second),
		ChunkRetries:      envInt("PEERSHARE_CHUNK_RETRIES", 3),
		HashCacheDir:      envOr("PEERSHARE_HASH_CACHE", ""),
		APIAddr:           envOr("PEERSHARE_API_ADDR", "127.0.0.1:8413"),
		MetricsAddr:       envOr("PEERSHARE_METRICS_ADDR", ":9413"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PEERSHARE_PORT out of range: %d", c.Port)
	}
	if c.AdvertiseIP != "" && net.ParseIP(c.AdvertiseIP) == nil {
		return fmt.Errorf("PEERSHARE_ADVERTISE_IP is not an IP address: %q", c.AdvertiseIP)
	}
	if c.ChunkRetries < 1 {
		c.ChunkRetries = 1
	}
	return nil
}

// ResolveAdvertiseIP returns the configured address, or the first
// non-loopback IPv4 address of an up interface.
func (c *Config) ResolveAdvertiseIP() string {
	if c.AdvertiseIP != "" {
		return c.AdvertiseIP
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
