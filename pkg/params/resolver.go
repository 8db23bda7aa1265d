package params

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"sftpflow/pkg/flow"
)

// Attribute names describing the connection a record was produced over.
const (
	AttrHost = "sftp.remote.host"
	AttrPort = "sftp.remote.port"
	AttrUser = "sftp.remote.user"
)

const (
	DefaultPort              = 22
	DefaultConnectionTimeout = 5000 * time.Millisecond
)

// Template is the configured, not yet substituted, form of the connection
// parameters. Every string field may contain ${name} placeholders.
type Template struct {
	Host                  string
	Port                  string
	Username              string
	Password              string
	PrivateKey            string
	RemotePath            string
	ConnectionTimeout     string
	StrictHostKeyChecking bool
	KnownHostsFile        string
}

// ConnectionParameters are resolved for one record and not modified after.
type ConnectionParameters struct {
	Host           string
	Port           uint16
	Username       string
	Password       string
	PrivateKey     string
	RemotePath     string
	Timeout        time.Duration
	HostKeyCheck   bool
	KnownHostsFile string
}

func (p *ConnectionParameters) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// Attributes returns the connection attributes attached to listing outputs.
func (p *ConnectionParameters) Attributes() map[string]string {
	return map[string]string{
		AttrHost: p.Host,
		AttrPort: strconv.Itoa(int(p.Port)),
		AttrUser: p.Username,
	}
}

// Secret returns the credential used to authenticate, the private key when
// one is configured and the password otherwise.
func (p *ConnectionParameters) Secret() string {
	if p.PrivateKey != "" {
		return p.PrivateKey
	}
	return p.Password
}

// SameEndpoint reports whether a connection opened for p can serve o.
func (p *ConnectionParameters) SameEndpoint(o *ConnectionParameters) bool {
	return p != nil && o != nil &&
		p.Host == o.Host && p.Port == o.Port && p.Username == o.Username &&
		p.Password == o.Password && p.PrivateKey == o.PrivateKey &&
		p.HostKeyCheck == o.HostKeyCheck && p.KnownHostsFile == o.KnownHostsFile
}

type Resolver struct {
	Substitutor        Substitutor
	RemotePathRequired bool
}

func NewResolver(remotePathRequired bool) *Resolver {
	return &Resolver{
		Substitutor:        PlaceholderSubstitutor{},
		RemotePathRequired: remotePathRequired,
	}
}

// Resolve substitutes tpl against rec's attributes. A nil rec resolves
// against an empty attribute set, so templated required fields fail
// validation instead of producing empty parameters.
func (r *Resolver) Resolve(tpl Template, rec *flow.Record) (*ConnectionParameters, error) {
	attrs := rec.AttributeMap()

	p := &ConnectionParameters{
		Host:           strings.TrimSpace(r.substitute(tpl.Host, attrs)),
		Username:       r.substitute(tpl.Username, attrs),
		Password:       r.substitute(tpl.Password, attrs),
		PrivateKey:     r.substitute(tpl.PrivateKey, attrs),
		RemotePath:     strings.TrimSpace(r.substitute(tpl.RemotePath, attrs)),
		HostKeyCheck:   tpl.StrictHostKeyChecking,
		KnownHostsFile: r.substitute(tpl.KnownHostsFile, attrs),
	}

	if p.Host == "" {
		return nil, r.missing("host", tpl.Host)
	}
	if p.Username == "" {
		return nil, r.missing("username", tpl.Username)
	}
	if r.RemotePathRequired && p.RemotePath == "" {
		return nil, r.missing("remote path", tpl.RemotePath)
	}

	port, err := parsePort(r.substitute(tpl.Port, attrs))
	if err != nil {
		return nil, err
	}
	p.Port = port

	timeout, err := parseTimeout(r.substitute(tpl.ConnectionTimeout, attrs))
	if err != nil {
		return nil, err
	}
	p.Timeout = timeout

	return p, nil
}

// ResolveString substitutes a single templated value against rec.
func (r *Resolver) ResolveString(template string, rec *flow.Record) string {
	return r.substitute(template, rec.AttributeMap())
}

func (r *Resolver) substitutor() Substitutor {
	if r.Substitutor == nil {
		return PlaceholderSubstitutor{}
	}
	return r.Substitutor
}

func (r *Resolver) substitute(template string, attrs map[string]string) string {
	return r.substitutor().Substitute(template, attrs)
}

func (r *Resolver) missing(field, template string) error {
	msg := fmt.Sprintf("%s is required", field)
	if r.substitutor().HasPlaceholders(template) {
		msg = fmt.Sprintf("%s is required but %q resolved to an empty value", field, template)
	}
	return flow.NewError(flow.ErrorTypeConfiguration, msg, nil)
}

func parsePort(value string) (uint16, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultPort, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 || n > 65535 {
		return 0, flow.NewError(flow.ErrorTypeValidation, fmt.Sprintf("port %q is not a positive integer in 1..65535", value), err)
	}
	return uint16(n), nil
}

func parseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultConnectionTimeout, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, flow.NewError(flow.ErrorTypeValidation, fmt.Sprintf("connection timeout %q is not a positive number of milliseconds", value), err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
