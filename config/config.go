// Package config implements the ambient configuration-loading concern
// (SPEC_FULL.md §2): a small JSON settings reader in the shape of
// gopistolet-gopistolet/helpers/config_reader.go's DecodeFile, generalised
// from a single generic decode into a typed Settings struct covering the
// engine's listener, TLS, timeout, and collaborator dial-address settings,
// with defaults filled in after decode the way
// HouzuoGuo-laitos/daemon/smtpd/smtpd.go's Daemon.Initialise does.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Settings is the on-disk JSON shape for an lmtpd process.
type Settings struct {
	Address    string `json:"Address"`    // listen address, e.g. "0.0.0.0"
	Port       int    `json:"Port"`       // listen port, default 24
	MyDomain   string `json:"MyDomain"`   // advertised in greeting and trace headers
	PerIPLimit int    `json:"PerIPLimit"` // connections per IP per RateLimitIntervalSecs

	RecipientDelimiter string `json:"RecipientDelimiter"` // e.g. "+"; Load replaces an empty value with "+"

	TLSCertPath string `json:"TLSCertPath"`
	TLSKeyPath  string `json:"TLSKeyPath"`

	TrustedNetworks []string `json:"TrustedNetworks"` // CIDRs allowed to issue XCLIENT

	IOTimeoutSecs     int   `json:"IOTimeoutSecs"`
	InMemoryCeiling   int64 `json:"InMemoryCeiling"`
	MaxMessageLength  int64 `json:"MaxMessageLength"`

	SpoolDir string `json:"SpoolDir"` // payload spill + storage base directory

	ProxyEnabled     bool   `json:"ProxyEnabled"`
	PassdbNetwork    string `json:"PassdbNetwork"` // "tcp" or "unix", empty disables passdb
	PassdbAddr       string `json:"PassdbAddr"`
	AnvilNetwork     string `json:"AnvilNetwork"` // empty disables the anvil client, falling back to LocalFallback
	AnvilAddr        string `json:"AnvilAddr"`
	AnvilMaxPerUser  int    `json:"AnvilMaxPerUser"`
	AnvilWindowSecs  int64  `json:"AnvilWindowSecs"`

	DNSResolver     string `json:"DNSResolver"` // "host:port", defaults to 127.0.0.1:53
	ResolveTimeoutSecs int `json:"ResolveTimeoutSecs"`

	MetricsAddress string `json:"MetricsAddress"` // empty disables the metrics HTTP listener
}

const (
	defaultPort              = 24
	defaultPerIPLimit         = 8
	defaultIOTimeoutSecs      = 120
	defaultInMemoryCeiling    = 64 * 1024
	defaultMaxMessageLength   = 32 * 1024 * 1024
	defaultResolveTimeoutSecs = 5
	defaultAnvilMaxPerUser    = 10
	defaultAnvilWindowSecs    = 10
)

// Load reads and decodes fileName into a Settings value, filling in
// defaults for any zero-valued field that has one.
func Load(fileName string) (*Settings, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("config: could not open %s: %w", fileName, err)
	}
	defer file.Close()

	var s Settings
	if err := json.NewDecoder(file).Decode(&s); err != nil {
		return nil, fmt.Errorf("config: could not parse %s: %w", fileName, err)
	}
	s.fillDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) fillDefaults() {
	if s.Address == "" {
		s.Address = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = defaultPort
	}
	if s.PerIPLimit == 0 {
		s.PerIPLimit = defaultPerIPLimit
	}
	if s.IOTimeoutSecs == 0 {
		s.IOTimeoutSecs = defaultIOTimeoutSecs
	}
	if s.InMemoryCeiling == 0 {
		s.InMemoryCeiling = defaultInMemoryCeiling
	}
	if s.MaxMessageLength == 0 {
		s.MaxMessageLength = defaultMaxMessageLength
	}
	if s.ResolveTimeoutSecs == 0 {
		s.ResolveTimeoutSecs = defaultResolveTimeoutSecs
	}
	if s.DNSResolver == "" {
		s.DNSResolver = "127.0.0.1:53"
	}
	if s.AnvilMaxPerUser == 0 {
		s.AnvilMaxPerUser = defaultAnvilMaxPerUser
	}
	if s.AnvilWindowSecs == 0 {
		s.AnvilWindowSecs = defaultAnvilWindowSecs
	}
	if s.RecipientDelimiter == "" {
		s.RecipientDelimiter = "+"
	}
}

func (s *Settings) validate() error {
	if s.MyDomain == "" {
		return errors.New("config: MyDomain must be configured")
	}
	if s.SpoolDir == "" {
		return errors.New("config: SpoolDir must be configured")
	}
	if (s.TLSCertPath == "") != (s.TLSKeyPath == "") {
		return errors.New("config: TLSCertPath and TLSKeyPath must be configured together")
	}
	if len(s.RecipientDelimiter) > 1 {
		return errors.New("config: RecipientDelimiter must be a single byte")
	}
	return nil
}

// Delimiter returns the configured recipient delimiter byte, or 0 if
// detail-address splitting is disabled.
func (s *Settings) Delimiter() byte {
	if s.RecipientDelimiter == "" {
		return 0
	}
	return s.RecipientDelimiter[0]
}

// IOTimeout returns IOTimeoutSecs as a time.Duration.
func (s *Settings) IOTimeout() time.Duration {
	return time.Duration(s.IOTimeoutSecs) * time.Second
}

// ResolveTimeout returns ResolveTimeoutSecs as a time.Duration.
func (s *Settings) ResolveTimeout() time.Duration {
	return time.Duration(s.ResolveTimeoutSecs) * time.Second
}
