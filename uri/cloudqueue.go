package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// CloudQueueURI is a parsed cloud-queue (SQS-style) URI: a standard HTTPS
// URL whose host begins with "sqs.".
type CloudQueueURI struct {
	raw *url.URL
}

func (c *CloudQueueURI) Kind() Kind  { return KindCloudQueue }
func (c *CloudQueueURI) String() string { return c.raw.String() }
func (c *CloudQueueURI) URL() *url.URL  { return c.raw }

func looksLikeCloudQueue(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && strings.HasPrefix(u.Hostname(), "sqs.")
}

func parseCloudQueueEntry(raw string) (Parsed, error) { return ParseCloudQueue(raw) }

// ParseCloudQueue parses a cloud-queue URI.
func ParseCloudQueue(raw string) (*CloudQueueURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid cloud queue uri: %w", err)
	}
	if u.Scheme != "https" || !strings.HasPrefix(u.Hostname(), "sqs.") {
		return nil, fmt.Errorf("uri: not a cloud queue uri (https with sqs. host): %q", raw)
	}
	return &CloudQueueURI{raw: u}, nil
}
