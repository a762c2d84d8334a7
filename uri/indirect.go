package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/senzing-garage/data-mart-replicator/errs"
)

// IndirectURI is a parsed sz://core-settings/<path> reference: a pointer
// into a JSON document supplied separately (the core-settings option),
// resolved by walking its path segments.
type IndirectURI struct {
	Path []string
	raw  *url.URL
}

func (i *IndirectURI) Kind() Kind  { return KindIndirect }
func (i *IndirectURI) String() string { return i.raw.String() }

const indirectPrefix = "sz://core-settings/"

func looksLikeIndirect(raw string) bool {
	return strings.HasPrefix(raw, "sz://core-settings")
}

func parseIndirectEntry(raw string) (Parsed, error) { return ParseIndirect(raw) }

// ParseIndirect parses an sz://core-settings/<path> reference.
func ParseIndirect(raw string) (*IndirectURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("uri: invalid indirect uri: %w", err)
	}
	if u.Scheme != "sz" || u.Host != "core-settings" {
		return nil, fmt.Errorf("uri: not an sz://core-settings/ uri: %q", raw)
	}
	trimmed := strings.Trim(u.Path, "/")
	var segments []string
	if trimmed != "" {
		segments = strings.Split(trimmed, "/")
	}
	return &IndirectURI{Path: segments, raw: u}, nil
}

// Resolve walks root (the result of decoding the core-settings JSON text)
// following the indirect URI's path, indexing into arrays for numeric
// segments and into objects otherwise.
func (i *IndirectURI) Resolve(root interface{}) (string, error) {
	cur := root
	for _, segment := range i.Path {
		if idx, err := strconv.Atoi(segment); err == nil {
			arr, ok := cur.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return "", fmt.Errorf("%w: indirect path segment %q does not index an array in %s", errs.ErrConfigInvalid, segment, i.raw)
			}
			cur = arr[idx]
			continue
		}
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("%w: indirect path segment %q does not index an object in %s", errs.ErrConfigInvalid, segment, i.raw)
		}
		next, present := obj[segment]
		if !present {
			return "", fmt.Errorf("%w: indirect path segment %q not found in %s", errs.ErrConfigInvalid, segment, i.raw)
		}
		cur = next
	}
	str, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("%w: indirect path in %s does not resolve to a string", errs.ErrConfigInvalid, i.raw)
	}
	return str, nil
}
