package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// sqliteForm records which of the three accepted textual shapes a SQLite
// URI was written in, so String can reproduce it.
type sqliteForm int

const (
	formMemoryToken sqliteForm = iota // sqlite3::memory:[?opts]
	formSQLite3Auth                   // sqlite3://[user[:pass]@]<path>[?opts]
	formSQLitePlain                   // sqlite://<path>[?opts]
)

// SQLiteURI is a parsed SQLite mart-database URI.
type SQLiteURI struct {
	Memory   bool
	User     string
	Password string
	Path     string
	Query    url.Values

	form sqliteForm
}

func (s *SQLiteURI) Kind() Kind { return KindSQLite }

func (s *SQLiteURI) String() string {
	var b strings.Builder
	switch s.form {
	case formMemoryToken:
		b.WriteString("sqlite3::memory:")
	case formSQLite3Auth:
		b.WriteString("sqlite3://")
		if s.User != "" {
			b.WriteString(url.QueryEscape(s.User))
			if s.Password != "" {
				b.WriteByte(':')
				b.WriteString(url.QueryEscape(s.Password))
			}
			b.WriteByte('@')
		}
		b.WriteString(s.Path)
	default:
		b.WriteString("sqlite://")
		b.WriteString(s.Path)
	}
	if len(s.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(s.Query.Encode())
	}
	return b.String()
}

const (
	sqliteMemoryPrefix = "sqlite3::memory:"
	sqlite3Prefix      = "sqlite3://"
	sqlitePlainPrefix  = "sqlite://"
)

func looksLikeSQLite(raw string) bool {
	return strings.HasPrefix(raw, sqliteMemoryPrefix) ||
		strings.HasPrefix(raw, sqlite3Prefix) ||
		strings.HasPrefix(raw, sqlitePlainPrefix)
}

func parseSQLiteEntry(raw string) (Parsed, error) { return ParseSQLite(raw) }

// ParseSQLite parses a SQLite mart-database URI in any of its three
// accepted shapes.
func ParseSQLite(raw string) (*SQLiteURI, error) {
	switch {
	case strings.HasPrefix(raw, sqliteMemoryPrefix):
		rest := raw[len(sqliteMemoryPrefix):]
		query, err := parseOptionalQuery(rest)
		if err != nil {
			return nil, err
		}
		return &SQLiteURI{Memory: true, Query: query, form: formMemoryToken}, nil

	case strings.HasPrefix(raw, sqlite3Prefix):
		rest := raw[len(sqlite3Prefix):]
		pathPart, query, err := splitPathAndQuery(rest)
		if err != nil {
			return nil, err
		}
		var user, password string
		if at := strings.IndexByte(pathPart, '@'); at >= 0 {
			creds := pathPart[:at]
			pathPart = pathPart[at+1:]
			if colon := strings.IndexByte(creds, ':'); colon >= 0 {
				user, password = creds[:colon], creds[colon+1:]
			} else {
				user = creds
			}
		}
		return &SQLiteURI{
			User:     user,
			Password: password,
			Path:     pathPart,
			Memory:   query.Get("mode") == "memory",
			Query:    query,
			form:     formSQLite3Auth,
		}, nil

	case strings.HasPrefix(raw, sqlitePlainPrefix):
		rest := raw[len(sqlitePlainPrefix):]
		pathPart, query, err := splitPathAndQuery(rest)
		if err != nil {
			return nil, err
		}
		return &SQLiteURI{
			Path:   pathPart,
			Memory: query.Get("mode") == "memory",
			Query:  query,
			form:   formSQLitePlain,
		}, nil
	}
	return nil, fmt.Errorf("uri: not a sqlite uri: %q", raw)
}

func splitPathAndQuery(rest string) (string, url.Values, error) {
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		query, err := url.ParseQuery(rest[idx+1:])
		if err != nil {
			return "", nil, fmt.Errorf("uri: invalid sqlite query: %w", err)
		}
		return rest[:idx], query, nil
	}
	return rest, url.Values{}, nil
}

func parseOptionalQuery(rest string) (url.Values, error) {
	rest = strings.TrimPrefix(rest, "?")
	if rest == "" {
		return url.Values{}, nil
	}
	query, err := url.ParseQuery(rest)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid sqlite query: %w", err)
	}
	return query, nil
}
