// Package config loads the proxy's runtime settings from command-line
// flags and environment variable overrides. There is no file-based
// config loader.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
)

// MediaMode selects how the media relay rewrites SDP.
type MediaMode string

const (
	// MediaModeRelay runs the full shared-port symmetric-RTP forwarder.
	MediaModeRelay MediaMode = "relay"
	// MediaModePassthrough rewrites only the SDP connection address and
	// starts no forwarder. Fragile across NATs; not the default.
	MediaModePassthrough MediaMode = "passthrough"
)

// Config holds the proxy's settings.
type Config struct {
	Port          int
	BindAddr      string
	AdvertiseAddr string
	Realm         string
	RTPMin        int
	RTPMax        int
	MediaMode     MediaMode
	LogLevel      string
}

// Load parses flags and applies environment variable overrides.
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.Realm, "realm", "sip.local", "digest auth realm")
	flag.IntVar(&cfg.RTPMin, "rtp-min", 20000, "lowest RTP port in the pool")
	flag.IntVar(&cfg.RTPMax, "rtp-max", 30000, "exclusive upper bound of the RTP port pool")
	mediaMode := flag.String("media-mode", string(MediaModeRelay), "media relay mode: relay or passthrough")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg.MediaMode = MediaMode(*mediaMode)

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if realm := os.Getenv("REALM"); realm != "" {
		cfg.Realm = realm
	}
	if mode := os.Getenv("MEDIA_MODE"); mode != "" {
		cfg.MediaMode = MediaMode(mode)
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}

	return cfg
}

func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary non-loopback IPv4 address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
