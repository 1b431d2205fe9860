package backend

import (
	"path"
	"strings"
)

// ACL entry kinds. The first matching entry of a method's vector decides.
const (
	ACLAllow = "allow"
	ACLDeny  = "deny"
	// ACLSelf allows a managed host to operate only on its own identity;
	// the object store enforces the restriction via a client-id hint.
	ACLSelf = "self"
)

// ACLEntry is one element of a method's access vector. The yaml tags are
// the shape of the override file read by LoadACLFile.
type ACLEntry struct {
	Kind string `yaml:"kind"`
	// Principal selects whom the entry applies to:
	//   all, authenticated, admin, host, depot,
	//   user:<glob>, group:<glob>, host:<glob>
	Principal string `yaml:"principal"`
	// Attributes restricts result attributes to the listed names.
	Attributes []string `yaml:"attributes,omitempty"`
	// DeniedAttributes removes the listed attributes from results.
	DeniedAttributes []string `yaml:"denied_attributes,omitempty"`
}

// ACLDecision is the outcome of a successful ACL evaluation.
type ACLDecision struct {
	SelfOnly         bool
	Attributes       []string
	DeniedAttributes []string
}

// EvaluateACL walks the vector and returns the decision of the first
// matching entry. No match or an explicit deny yields a permission error.
func EvaluateACL(entries []ACLEntry, caller Caller) (ACLDecision, error) {
	for _, entry := range entries {
		if !principalMatches(entry.Principal, entry.Kind, caller) {
			continue
		}
		switch entry.Kind {
		case ACLDeny:
			return ACLDecision{}, PermissionDeniedf("access denied")
		case ACLSelf:
			return ACLDecision{
				SelfOnly:         true,
				Attributes:       entry.Attributes,
				DeniedAttributes: entry.DeniedAttributes,
			}, nil
		case ACLAllow:
			return ACLDecision{
				Attributes:       entry.Attributes,
				DeniedAttributes: entry.DeniedAttributes,
			}, nil
		}
	}
	return ACLDecision{}, PermissionDeniedf("no permission for method")
}

func principalMatches(principal, kind string, caller Caller) bool {
	// Self entries only ever apply to host principals.
	if kind == ACLSelf && caller.HostID == "" {
		return false
	}
	switch {
	case principal == "all" || principal == "":
		return true
	case principal == "authenticated":
		return caller.Username != "" || caller.HostID != ""
	case principal == "admin":
		return caller.IsAdmin
	case principal == "host":
		return caller.HostID != ""
	case principal == "depot":
		return caller.IsDepot
	case strings.HasPrefix(principal, "user:"):
		return caller.Username != "" && globMatch(principal[len("user:"):], caller.Username)
	case strings.HasPrefix(principal, "group:"):
		pattern := principal[len("group:"):]
		for _, g := range caller.Groups {
			if globMatch(pattern, g) {
				return true
			}
		}
		return false
	case strings.HasPrefix(principal, "host:"):
		return caller.HostID != "" && globMatch(principal[len("host:"):], caller.HostID)
	default:
		return false
	}
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// FilterAttributes applies the decision's attribute filters to a result.
// Maps and slices of maps are filtered in place; other shapes pass through.
func FilterAttributes(value interface{}, decision ACLDecision) interface{} {
	if len(decision.Attributes) == 0 && len(decision.DeniedAttributes) == 0 {
		return value
	}
	switch v := value.(type) {
	case map[string]interface{}:
		return filterMap(v, decision)
	case []map[string]interface{}:
		for i, m := range v {
			v[i] = filterMap(m, decision)
		}
		return v
	case []interface{}:
		for i, e := range v {
			if m, ok := e.(map[string]interface{}); ok {
				v[i] = filterMap(m, decision)
			}
		}
		return v
	default:
		return value
	}
}

func filterMap(m map[string]interface{}, decision ACLDecision) map[string]interface{} {
	if len(decision.Attributes) > 0 {
		allowed := make(map[string]bool, len(decision.Attributes)+2)
		for _, a := range decision.Attributes {
			allowed[a] = true
		}
		// Identity attributes always survive filtering.
		allowed["id"] = true
		allowed["type"] = true
		for k := range m {
			if !allowed[k] {
				delete(m, k)
			}
		}
	}
	for _, d := range decision.DeniedAttributes {
		delete(m, d)
	}
	return m
}

// Common vectors.

// ACLAllowAll permits every caller.
func ACLAllowAll() []ACLEntry {
	return []ACLEntry{{Kind: ACLAllow, Principal: "all"}}
}

// ACLAuthenticated permits any authenticated principal.
func ACLAuthenticated() []ACLEntry {
	return []ACLEntry{{Kind: ACLAllow, Principal: "authenticated"}}
}

// ACLAdminOnly permits administrators.
func ACLAdminOnly() []ACLEntry {
	return []ACLEntry{{Kind: ACLAllow, Principal: "admin"}}
}

// ACLAdminOrSelf permits administrators fully and hosts on their own
// objects.
func ACLAdminOrSelf() []ACLEntry {
	return []ACLEntry{
		{Kind: ACLAllow, Principal: "admin"},
		{Kind: ACLSelf, Principal: "host"},
	}
}
