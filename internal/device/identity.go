package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidIdentity = errors.New("invalid device identity")
)

// Identity is the four-part key a device presents on an update check.
// Components are opaque tokens taken from URL path segments.
type Identity struct {
	Organization string
	Project      string
	Node         string
	Attributes   string
}

// NewIdentity validates each component and returns the identity.
// Components that are empty, "." or "..", or that contain a path separator
// or NUL byte are rejected so they can never be used to walk the firmware tree.
func NewIdentity(organization, project, node, attributes string) (Identity, error) {
	id := Identity{
		Organization: organization,
		Project:      project,
		Node:         node,
		Attributes:   attributes,
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate reports the first malformed component, wrapped in ErrInvalidIdentity.
func (id Identity) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"organization", id.Organization},
		{"project", id.Project},
		{"node", id.Node},
		{"attributes", id.Attributes},
	}
	for _, f := range fields {
		if err := validateComponent(f.value); err != nil {
			return fmt.Errorf("%w: %s %s", ErrInvalidIdentity, f.name, err)
		}
	}
	return nil
}

// String renders the identity the way it appears in the update URL.
func (id Identity) String() string {
	return id.Organization + "/" + id.Project + "/" + id.Node + "/" + id.Attributes
}

func validateComponent(v string) error {
	switch {
	case v == "":
		return errors.New("must not be empty")
	case v == "." || v == "..":
		return fmt.Errorf("%q is reserved", v)
	case strings.ContainsAny(v, "/\\\x00"):
		return errors.New("must not contain path separators")
	}
	return nil
}
