package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ACLOverride rebinds the access vector of every method whose name
// matches the glob pattern. Overrides are ordered: the first pattern
// matching a method decides that method's vector.
type ACLOverride struct {
	Method  string     `yaml:"method"`
	Entries []ACLEntry `yaml:"entries"`
}

// LoadACLFile reads method ACL overrides from a YAML file:
//
//	acl:
//	  - method: "host_*"
//	    entries:
//	      - kind: self
//	        principal: host
//	      - kind: allow
//	        principal: admin
func LoadACLFile(filePath string) ([]ACLOverride, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open acl file %s: %w", filePath, err)
	}
	defer f.Close()
	overrides, err := decodeACLFile(f)
	if err != nil {
		return nil, fmt.Errorf("decode acl file %s: %w", filePath, err)
	}
	return overrides, nil
}

func decodeACLFile(r io.Reader) ([]ACLOverride, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc struct {
		ACL []ACLOverride `yaml:"acl"`
	}
	if err := dec.Decode(&doc); err != nil {
		// An empty file carries no overrides.
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	for i, o := range doc.ACL {
		if err := validateOverride(o); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
	}
	return doc.ACL, nil
}

func validateOverride(o ACLOverride) error {
	if o.Method == "" {
		return fmt.Errorf("method pattern missing")
	}
	if _, err := path.Match(o.Method, "probe"); err != nil {
		return fmt.Errorf("method pattern %q: %w", o.Method, err)
	}
	if len(o.Entries) == 0 {
		return fmt.Errorf("method %q has no entries", o.Method)
	}
	for _, e := range o.Entries {
		switch e.Kind {
		case ACLAllow, ACLDeny, ACLSelf:
		default:
			return fmt.Errorf("method %q: unknown kind %q", o.Method, e.Kind)
		}
		if err := validatePrincipal(e.Principal); err != nil {
			return fmt.Errorf("method %q: %w", o.Method, err)
		}
	}
	return nil
}

func validatePrincipal(principal string) error {
	switch principal {
	case "", "all", "authenticated", "admin", "host", "depot":
		return nil
	}
	for _, prefix := range []string{"user:", "group:", "host:"} {
		if len(principal) > len(prefix) && principal[:len(prefix)] == prefix {
			return nil
		}
	}
	return fmt.Errorf("unknown principal %q", principal)
}

// ApplyACLOverrides rebinds method vectors from the override list. The
// first override matching a method wins; methods matching no override
// keep their registered vector. Returns the number of methods rebound.
func (f *Facade) ApplyACLOverrides(overrides []ACLOverride) int {
	if len(overrides) == 0 {
		return 0
	}
	rebound := 0
	for _, name := range f.registry.Names() {
		for _, o := range overrides {
			if !globMatch(o.Method, name) {
				continue
			}
			if f.registry.SetACL(name, o.Entries) {
				rebound++
			}
			break
		}
	}
	return rebound
}

// LoadACLOverrides reads the override file and applies it. An empty path
// leaves the registered vectors untouched.
func (f *Facade) LoadACLOverrides(filePath string) error {
	if filePath == "" {
		return nil
	}
	overrides, err := LoadACLFile(filePath)
	if err != nil {
		return err
	}
	n := f.ApplyACLOverrides(overrides)
	f.logger.Info("ACL overrides applied",
		zap.String("file", filePath),
		zap.Int("methods", n),
	)
	return nil
}
