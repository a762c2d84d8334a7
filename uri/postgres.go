package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// PostgresURI is a parsed PostgreSQL mart-database URI. Per §6's grammar,
// the authority ends in HOST[:PORT]:DATABASE — the port/database
// separator is a second colon, not a slash.
type PostgresURI struct {
	User     string
	Password string
	Host     string
	Port     string // empty when the URI omitted it
	Database string
	Query    url.Values
}

func (p *PostgresURI) Kind() Kind { return KindPostgres }

func (p *PostgresURI) String() string {
	var b strings.Builder
	b.WriteString("postgresql://")
	b.WriteString(url.QueryEscape(p.User))
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(p.Password))
	b.WriteByte('@')
	b.WriteString(url.QueryEscape(p.Host))
	b.WriteByte(':')
	if p.Port != "" {
		b.WriteString(p.Port)
		b.WriteByte(':')
	}
	b.WriteString(url.QueryEscape(p.Database))
	b.WriteByte('/')
	if len(p.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(p.Query.Encode())
	}
	return b.String()
}

const postgresPrefix = "postgresql://"

func looksLikePostgres(raw string) bool {
	return strings.HasPrefix(raw, postgresPrefix)
}

func parsePostgresEntry(raw string) (Parsed, error) { return ParsePostgres(raw) }

// ParsePostgres parses a PostgreSQL mart-database URI.
func ParsePostgres(raw string) (*PostgresURI, error) {
	if !looksLikePostgres(raw) {
		return nil, fmt.Errorf("uri: not a postgresql:// uri: %q", raw)
	}
	rest := raw[len(postgresPrefix):]

	var query url.Values = url.Values{}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		queryPart := rest[idx+1:]
		rest = rest[:idx]
		queryPart = strings.TrimPrefix(queryPart, "?")
		if queryPart != "" {
			values, err := url.ParseQuery(queryPart)
			if err != nil {
				return nil, fmt.Errorf("uri: invalid postgresql query: %w", err)
			}
			query = values
		}
	}

	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		return nil, fmt.Errorf("uri: postgresql uri missing user@host: %q", raw)
	}
	creds, hostPart := rest[:at], rest[at+1:]

	user, password := creds, ""
	if colon := strings.IndexByte(creds, ':'); colon >= 0 {
		user, password = creds[:colon], creds[colon+1:]
	}

	segments := strings.Split(hostPart, ":")
	var host, port, database string
	switch len(segments) {
	case 2:
		host, database = segments[0], segments[1]
	case 3:
		host, port, database = segments[0], segments[1], segments[2]
	default:
		return nil, fmt.Errorf("uri: postgresql uri host section must be HOST:DATABASE or HOST:PORT:DATABASE, got %q", hostPart)
	}

	decodedUser, err := url.QueryUnescape(user)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid percent-encoding in user: %w", err)
	}
	decodedPassword, err := url.QueryUnescape(password)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid percent-encoding in password: %w", err)
	}
	decodedHost, err := url.QueryUnescape(host)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid percent-encoding in host: %w", err)
	}
	decodedDatabase, err := url.QueryUnescape(database)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid percent-encoding in database: %w", err)
	}

	return &PostgresURI{
		User:     decodedUser,
		Password: decodedPassword,
		Host:     decodedHost,
		Port:     port,
		Database: decodedDatabase,
		Query:    query,
	}, nil
}
