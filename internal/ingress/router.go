// SPDX-License-Identifier: Apache-2.0

// Package ingress implements the host/path route matcher. It is a pure
// function over a snapshot of Ingress objects; it performs no I/O of
// its own.
package ingress

import (
	"strings"

	"github.com/infralink/control-plane/internal/apis/core"
)

// Match is a resolved route: the backend to dispatch to, plus enough
// of the matched rule to answer "why this one" in logs/tests.
type Match struct {
	Backend  core.IngressBackend
	Host     string
	Path     string
	PathType core.PathType
}

// Route finds the best-matching backend for (host, path) across every
// rule of every given Ingress. When no rule matches, the first Ingress
// that carries a defaultBackend supplies it; ok is false only when there is truly no route
// (no match and no default anywhere).
func Route(ingresses []*core.Ingress, host, path string) (Match, bool) {
	var best *candidate

	for _, ing := range ingresses {
		if ing.IsTerminating() {
			continue
		}
		for _, rule := range ing.Spec.Rules {
			if !hostMatches(rule.Host, host) {
				continue
			}
			for _, p := range rule.Paths {
				if !pathMatches(p, path) {
					continue
				}
				c := &candidate{
					rule:        rule,
					path:        p,
					hostLiteral: rule.Host != "" && rule.Host != "*",
				}
				if best == nil || c.betterThan(best) {
					best = c
				}
			}
		}
	}

	if best != nil {
		return Match{Backend: best.path.Backend, Host: host, Path: best.path.Path, PathType: best.path.PathType}, true
	}

	for _, ing := range ingresses {
		if ing.Spec.DefaultBackend != nil {
			return Match{Backend: *ing.Spec.DefaultBackend, Host: host, Path: path}, true
		}
	}
	return Match{}, false
}

type candidate struct {
	rule        core.IngressRule
	path        core.IngressPath
	hostLiteral bool
}

// betterThan is the tie-break order among matching rules: more
// specific host, then PathType Exact over Prefix, then longer path,
// then oldest rule.
func (c *candidate) betterThan(other *candidate) bool {
	if c.hostLiteral != other.hostLiteral {
		return c.hostLiteral
	}
	cExact := c.path.PathType == core.PathExact
	oExact := other.path.PathType == core.PathExact
	if cExact != oExact {
		return cExact
	}
	if len(c.path.Path) != len(other.path.Path) {
		return len(c.path.Path) > len(other.path.Path)
	}
	return c.rule.CreationTimestamp.Before(other.rule.CreationTimestamp)
}

// hostMatches treats an empty or "*" rule host as a wildcard.
func hostMatches(ruleHost, requestHost string) bool {
	return ruleHost == "" || ruleHost == "*" || ruleHost == requestHost
}

// pathMatches checks one rule path against the request path.
// ImplementationSpecific is treated as Prefix.
func pathMatches(p core.IngressPath, requestPath string) bool {
	switch p.PathType {
	case core.PathExact:
		return p.Path == requestPath
	default: // Prefix, ImplementationSpecific
		return segmentsHavePrefix(requestPath, p.Path)
	}
}

// segmentsHavePrefix reports whether requestPath's path segments start
// with prefix's segments, so "/foo" matches "/foo/bar" but not
// "/foobar".
func segmentsHavePrefix(requestPath, prefix string) bool {
	reqSegs := splitPath(requestPath)
	preSegs := splitPath(prefix)
	if len(preSegs) > len(reqSegs) {
		return false
	}
	for i, s := range preSegs {
		if reqSegs[i] != s {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
