package destination

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindHEC    Kind = "hec"
	KindSyslog Kind = "syslog"
)

// Destination is a delivery target for generated events.
type Destination struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name,omitempty" yaml:"name,omitempty"`
	Kind   Kind          `json:"kind" yaml:"kind"`
	HEC    *HECParams    `json:"hec,omitempty" yaml:"hec,omitempty"`
	Syslog *SyslogParams `json:"syslog,omitempty" yaml:"syslog,omitempty"`
}

// HECParams configures an HTTP event collector.
type HECParams struct {
	URL        string `json:"url" yaml:"url"`
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	Index      string `json:"index,omitempty" yaml:"index,omitempty"`
	Source     string `json:"source,omitempty" yaml:"source,omitempty"`
	SourceType string `json:"sourcetype,omitempty" yaml:"sourcetype,omitempty"`
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Endpoint   string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // "event" (default) or "raw"
	Gzip       bool   `json:"gzip,omitempty" yaml:"gzip,omitempty"`
	Insecure   bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`

	MaxBytes        int           `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
	MaxCount        int           `json:"max_count,omitempty" yaml:"max_count,omitempty"`
	FlushInterval   time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	MaxRetries      int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay       time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay        time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier      float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	BreakerFailures int           `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty"`
	BreakerCooldown time.Duration `json:"breaker_cooldown,omitempty" yaml:"breaker_cooldown,omitempty"`
	MaxInFlight     int           `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
}

// SyslogParams configures a syslog listener.
type SyslogParams struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`                   // "tcp" or "udp"
	Framing  string `json:"framing,omitempty" yaml:"framing,omitempty"` // "octet" or "lf"
	Facility int    `json:"facility,omitempty" yaml:"facility,omitempty"`
	Severity int    `json:"severity,omitempty" yaml:"severity,omitempty"`
	Tag      string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`

	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Address returns host:port.
func (p *SyslogParams) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Validate checks that the kind-specific parameters are present and usable.
func (d *Destination) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("destination id is required")
	}
	switch d.Kind {
	case KindHEC:
		if d.HEC == nil {
			return fmt.Errorf("destination %q: hec parameters are required", d.ID)
		}
		u, err := url.Parse(d.HEC.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("destination %q: invalid hec url %q", d.ID, d.HEC.URL)
		}
		if e := d.HEC.Endpoint; e != "" && e != "event" && e != "raw" {
			return fmt.Errorf("destination %q: unknown hec endpoint %q", d.ID, e)
		}
	case KindSyslog:
		if d.Syslog == nil {
			return fmt.Errorf("destination %q: syslog parameters are required", d.ID)
		}
		p := d.Syslog
		if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("destination %q: invalid syslog address %s", d.ID, p.Address())
		}
		switch strings.ToLower(p.Protocol) {
		case "tcp", "udp":
		default:
			return fmt.Errorf("destination %q: unknown syslog protocol %q", d.ID, p.Protocol)
		}
		if f := p.Framing; f != "" && f != "octet" && f != "lf" {
			return fmt.Errorf("destination %q: unknown syslog framing %q", d.ID, f)
		}
		if p.Facility < 0 || p.Facility > 23 || p.Severity < 0 || p.Severity > 7 {
			return fmt.Errorf("destination %q: facility/severity out of range", d.ID)
		}
	default:
		return fmt.Errorf("destination %q: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

// Redacted returns a copy safe to show to API clients.
func (d Destination) Redacted() Destination {
	if d.HEC != nil {
		h := *d.HEC
		if h.Token != "" {
			h.Token = "***"
		}
		d.HEC = &h
	}
	return d
}
