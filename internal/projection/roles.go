package projection

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// RoleBook maps account addresses to display roles. Lookups ignore case so
// checksummed and lowercase hex addresses resolve alike. A nil RoleBook
// answers every lookup with an empty label.
type RoleBook struct {
	roles map[string]string
}

func NewRoleBook(roles map[string]string) *RoleBook {
	rb := &RoleBook{roles: make(map[string]string, len(roles))}
	for addr, role := range roles {
		rb.roles[strings.ToLower(addr)] = role
	}
	return rb
}

// LoadRoleBook reads a JSON object of address -> role.
func LoadRoleBook(path string) (*RoleBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role mapping: %w", err)
	}
	var roles map[string]string
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("parse role mapping %s: %w", path, err)
	}
	return NewRoleBook(roles), nil
}

// Role returns the label for addr, or "" when unknown.
func (rb *RoleBook) Role(addr string) string {
	if rb == nil {
		return ""
	}
	return rb.roles[strings.ToLower(addr)]
}

// Len returns the number of mapped addresses
func (rb *RoleBook) Len() int {
	if rb == nil {
		return 0
	}
	return len(rb.roles)
}
