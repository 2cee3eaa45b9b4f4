// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package pathmap rewrites filesystem path references inside structured
// protocol messages so that a client and a server operating over different
// filesystem root mappings can communicate without either side being aware
// of the translation.
//
// Rewriting is structure-aware: a fixed set of field names known to carry
// paths or file URIs is rewritten directly, and every other value is
// traversed recursively so paths nested under unanticipated field names are
// still found. Bare strings that look like paths are rewritten as a
// fallback even outside known keys; this favors coverage over precision.
package pathmap

import (
	"net/url"
	"strings"

	"github.com/usvc-dev/lspshim/pkg/jsontext"
)

const fileURIScheme = "file://"

// workspaceFoldersKey holds a list of folder objects, each of which carries
// its own path-bearing field.
const workspaceFoldersKey = "workspaceFolders"

// knownPathKeys is the set of field names treated as authoritative carriers
// of path or URI values. targetRange and targetSelectionRange are structured
// position ranges in real traffic, so scalar rewriting of them is a no-op,
// but they are kept in the set to match the protocol surface this shim was
// built against.
var knownPathKeys = map[string]struct{}{
	"uri":                  {},
	"targetUri":            {},
	"source":               {},
	"file":                 {},
	"path":                 {},
	"rootPath":             {},
	"rootUri":              {},
	"documentUri":          {},
	"newUri":               {},
	"oldUri":               {},
	"baseUri":              {},
	"referenceUri":         {},
	"targetRange":          {},
	"targetSelectionRange": {},
}

// RewriteString rewrites a single path-like string, replacing fromPrefix
// with toPrefix. Three shapes are recognized: file:// URIs (with optional
// percent-encoding), plain filesystem paths starting with fromPrefix, and
// everything else, which passes through unchanged.
//
// Prefix matching is a literal string-prefix test, not path-segment aware;
// callers are expected to supply canonicalized roots.
func RewriteString(value, fromPrefix, toPrefix string) string {
	if strings.HasPrefix(value, fileURIScheme) {
		// file:/// URIs are covered too: the third slash stays part of the
		// path, so an absolute path keeps its leading separator.
		path := value[len(fileURIScheme):]

		if strings.ContainsRune(path, '%') {
			decoded, decodeErr := url.PathUnescape(path)
			if decodeErr != nil {
				// Not valid percent-encoding; leave the URI alone.
				return value
			}
			path = decoded
		}

		if !strings.HasPrefix(path, fromPrefix) {
			return value
		}

		return fileURIScheme + escapePath(toPrefix+path[len(fromPrefix):])
	}

	if strings.HasPrefix(value, fromPrefix) {
		return toPrefix + value[len(fromPrefix):]
	}

	return value
}

// escapePath percent-encodes a filesystem path for use in a file URI,
// preserving '/' as a literal separator.
func escapePath(path string) string {
	u := url.URL{Path: path}
	return u.EscapedPath()
}

// Rewrite produces a structurally identical copy of msg with path-like
// string values remapped from fromPrefix to toPrefix. It is pure and total:
// the input is never mutated, non-path values pass through unchanged, and
// object member order is preserved.
func Rewrite(msg jsontext.Value, fromPrefix, toPrefix string) jsontext.Value {
	switch msg.Kind() {
	case jsontext.Object:
		src := msg.Members()
		members := make([]jsontext.Member, 0, len(src))
		for _, m := range src {
			members = append(members, jsontext.Member{
				Key:   m.Key,
				Value: rewriteMember(m.Key, m.Value, fromPrefix, toPrefix),
			})
		}
		return jsontext.ObjectValue(members...)

	case jsontext.Array:
		src := msg.Elements()
		elems := make([]jsontext.Value, 0, len(src))
		for _, elem := range src {
			elems = append(elems, Rewrite(elem, fromPrefix, toPrefix))
		}
		return jsontext.ArrayValue(elems...)

	case jsontext.String:
		// Fallback scan: catch path-like strings under keys we do not know
		// about, at the cost of occasional false positives on
		// coincidentally-prefixed strings.
		s, _ := msg.AsString()
		if strings.HasPrefix(s, fromPrefix) || strings.HasPrefix(s, fileURIScheme) {
			return jsontext.StringValue(RewriteString(s, fromPrefix, toPrefix))
		}
		return msg

	default:
		return msg
	}
}

func rewriteMember(key string, value jsontext.Value, fromPrefix, toPrefix string) jsontext.Value {
	if _, known := knownPathKeys[key]; known {
		if s, isString := value.AsString(); isString {
			return jsontext.StringValue(RewriteString(s, fromPrefix, toPrefix))
		}
		if value.Kind() == jsontext.Array {
			src := value.Elements()
			elems := make([]jsontext.Value, 0, len(src))
			for _, elem := range src {
				if s, isString := elem.AsString(); isString {
					elems = append(elems, jsontext.StringValue(RewriteString(s, fromPrefix, toPrefix)))
				} else {
					elems = append(elems, Rewrite(elem, fromPrefix, toPrefix))
				}
			}
			return jsontext.ArrayValue(elems...)
		}
		return Rewrite(value, fromPrefix, toPrefix)
	}

	if key == workspaceFoldersKey && value.Kind() == jsontext.Array {
		src := value.Elements()
		elems := make([]jsontext.Value, 0, len(src))
		for _, elem := range src {
			elems = append(elems, Rewrite(elem, fromPrefix, toPrefix))
		}
		return jsontext.ArrayValue(elems...)
	}

	return Rewrite(value, fromPrefix, toPrefix)
}

// RewriteMessage rewrites msg for the given flow direction using the
// mapping's canonicalized prefixes.
func (m RootMapping) RewriteMessage(msg jsontext.Value, d Direction) jsontext.Value {
	from, to := m.Prefixes(d)
	return Rewrite(msg, from, to)
}
