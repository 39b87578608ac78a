package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Grant is one principal's access: which org/project/flow combinations
// they may reach. Loaded from a YAML document keyed by email or domain,
// the concrete shape behind component J's "resolves principal ->
// {orgs, projects, flows}".
type Grant struct {
	Account  string                         `yaml:"account"`
	Projects map[string]map[string][]string `yaml:"projects"`
}

// ErrAccessDenied is returned by Authorizer.Authorize when a principal
// has no grant covering the requested (org, project, flow).
var ErrAccessDenied = fmt.Errorf("auth: access denied")

// GrantsDocument is the on-disk shape of the authorization config: a map
// from either an exact email or a bare domain (no "@") to that
// principal's Grant.
type GrantsDocument struct {
	Grants map[string]Grant `yaml:"grants"`
}

// Authorizer is the Authorization Adapter (component J): it resolves a
// principal (typically the email claim off a validated JWT) to the set
// of (org, project, flow) triples they may reach, and answers
// Authorize queries against that set.
//
// Individual email entries win over a domain entry for the same
// principal; an explicit per-user grant always takes precedence over
// whatever the principal's domain was given.
type Authorizer struct {
	byEmail  map[string]Grant
	byDomain map[string]Grant
}

// NewAuthorizer builds an Authorizer from a GrantsDocument already
// decoded from config.
func NewAuthorizer(doc GrantsDocument) *Authorizer {
	a := &Authorizer{
		byEmail:  make(map[string]Grant),
		byDomain: make(map[string]Grant),
	}
	for key, grant := range doc.Grants {
		key = strings.ToLower(strings.TrimSpace(key))
		if strings.Contains(key, "@") {
			a.byEmail[key] = grant
		} else {
			a.byDomain[key] = grant
		}
	}
	return a
}

// LoadAuthorizer reads and parses a grants YAML file from path.
func LoadAuthorizer(path string) (*Authorizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read grants file %s: %w", path, err)
	}
	var doc GrantsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("auth: parse grants file %s: %w", path, err)
	}
	return NewAuthorizer(doc), nil
}

// resolve returns the Grant covering principal (an email address),
// preferring an exact email match over the principal's domain entry.
func (a *Authorizer) resolve(principal string) (Grant, bool) {
	principal = strings.ToLower(strings.TrimSpace(principal))
	if g, ok := a.byEmail[principal]; ok {
		return g, true
	}
	if _, domain, ok := strings.Cut(principal, "@"); ok {
		if g, ok := a.byDomain[domain]; ok {
			return g, true
		}
	}
	return Grant{}, false
}

// Authorize reports whether principal may access (org, project, flow).
// Returns ErrAccessDenied when the principal has no matching grant, so
// callers can map it directly to an HTTP 403.
func (a *Authorizer) Authorize(principal, org, project, flow string) error {
	grant, ok := a.resolve(principal)
	if !ok {
		return fmt.Errorf("%w: no grant for %q", ErrAccessDenied, principal)
	}
	flows, ok := grant.Projects[org][project]
	if !ok {
		return fmt.Errorf("%w: %q has no access to %s/%s", ErrAccessDenied, principal, org, project)
	}
	for _, f := range flows {
		if f == flow {
			return nil
		}
	}
	return fmt.Errorf("%w: %q cannot run flow %q in %s/%s", ErrAccessDenied, principal, flow, org, project)
}

// Account returns the resolved account name for principal, or "" if the
// principal has no grant at all.
func (a *Authorizer) Account(principal string) string {
	grant, ok := a.resolve(principal)
	if !ok {
		return ""
	}
	return grant.Account
}
