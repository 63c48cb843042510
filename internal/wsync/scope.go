package wsync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// scopeNamespace seeds the name-based UUIDs used as storage keys.
var scopeNamespace = uuid.MustParse("6f1c2b4e-8d0a-5e3f-9b7c-2a4d6e8f0b1c")

// Scope identifies one workspace document. Campaign is optional.
type Scope struct {
	Organization string
	Project      string
	Campaign     string
}

// Key returns the deterministic storage key of the scope.
func (s Scope) Key() string {
	name := strings.Join([]string{s.Organization, s.Project, s.Campaign}, "\x00")
	return uuid.NewSHA1(scopeNamespace, []byte(name)).String()
}

// Validate checks that the required identifiers are present.
func (s Scope) Validate() error {
	if s.Organization == "" {
		return fmt.Errorf("scope: organization is required")
	}
	if s.Project == "" {
		return fmt.Errorf("scope: project is required")
	}
	return nil
}

func (s Scope) String() string {
	if s.Campaign == "" {
		return s.Organization + "/" + s.Project
	}
	return s.Organization + "/" + s.Project + "/" + s.Campaign
}
