package resolution

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed state_id_jurisdictions.yaml
var defaultStateIDJurisdictions []byte

type stateIDFile struct {
	Jurisdictions []string `yaml:"jurisdictions"`
}

// StateIDSupport answers whether a jurisdiction supports the state-ID
// cross-check.
type StateIDSupport struct {
	jurisdictions map[string]struct{}
}

// DefaultStateIDSupport returns the bundled jurisdiction list.
func DefaultStateIDSupport() (*StateIDSupport, error) {
	return ParseStateIDSupport(defaultStateIDJurisdictions)
}

// LoadStateIDSupport reads the jurisdiction list from path, or the bundled
// list when path is empty.
func LoadStateIDSupport(path string) (*StateIDSupport, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultStateIDSupport()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state id jurisdictions: %w", err)
	}
	return ParseStateIDSupport(data)
}

// ParseStateIDSupport parses a YAML jurisdiction list.
func ParseStateIDSupport(data []byte) (*StateIDSupport, error) {
	var file stateIDFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse state id jurisdictions: %w", err)
	}
	support := &StateIDSupport{jurisdictions: make(map[string]struct{}, len(file.Jurisdictions))}
	for _, j := range file.Jurisdictions {
		j = normalizeJurisdiction(j)
		if j == "" {
			continue
		}
		support.jurisdictions[j] = struct{}{}
	}
	return support, nil
}

// Supports reports whether jurisdiction is on the list.
func (s *StateIDSupport) Supports(jurisdiction string) bool {
	if s == nil {
		return false
	}
	_, ok := s.jurisdictions[normalizeJurisdiction(jurisdiction)]
	return ok
}

// Jurisdictions returns the sorted list.
func (s *StateIDSupport) Jurisdictions() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.jurisdictions))
	for j := range s.jurisdictions {
		out = append(out, j)
	}
	sort.Strings(out)
	return out
}

func normalizeJurisdiction(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}
