package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// BrokerURI is a parsed AMQP broker URI (amqp:// or amqps://).
type BrokerURI struct {
	Secure   bool
	User     string
	Password string
	Host     string
	Port     string // empty when omitted; caller applies the dialect default
	VHost    string

	raw *url.URL
}

func (b *BrokerURI) Kind() Kind { return KindBroker }

func (b *BrokerURI) String() string { return b.raw.String() }

// DefaultPort returns the dialect default (5672 plain, 5671 TLS) used when
// the URI omitted an explicit port.
func (b *BrokerURI) DefaultPort() string {
	if b.Secure {
		return "5671"
	}
	return "5672"
}

func looksLikeBroker(raw string) bool {
	return strings.HasPrefix(raw, "amqp://") || strings.HasPrefix(raw, "amqps://")
}

func parseBrokerEntry(raw string) (Parsed, error) { return ParseBroker(raw) }

// ParseBroker parses an AMQP broker URI.
func ParseBroker(raw string) (*BrokerURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid broker uri: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, fmt.Errorf("uri: not an amqp(s):// uri: %q", raw)
	}
	password, _ := u.User.Password()
	return &BrokerURI{
		Secure:   u.Scheme == "amqps",
		User:     u.User.Username(),
		Password: password,
		Host:     u.Hostname(),
		Port:     u.Port(),
		VHost:    strings.TrimPrefix(u.Path, "/"),
		raw:      u,
	}, nil
}
