package firmware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kibshh/frugal-iot-server/backend/internal/device"
)

const (
	DefaultBinaryName = "firmware.bin"

	PlaceholderOrganization = "{organization}"
	PlaceholderProject      = "{project}"
	PlaceholderNode         = "{node}"
	PlaceholderAttributes   = "{attributes}"
)

// DefaultTemplates lists candidate directories from most to least specific.
var DefaultTemplates = []string{
	PlaceholderOrganization + "/" + PlaceholderProject + "/" + PlaceholderNode,
	PlaceholderOrganization + "/" + PlaceholderProject + "/" + PlaceholderAttributes,
	PlaceholderOrganization + "/" + PlaceholderNode,
	PlaceholderOrganization + "/" + PlaceholderAttributes,
}

// Candidate is one fallback location for a device's firmware.
type Candidate struct {
	Level    int    // 0 is the most specific template
	Template string // template the name was expanded from
	Name     string // path of the binary relative to the store root
}

// Resolver finds the most specific firmware binary for a device.
type Resolver struct {
	store      Store
	templates  []string
	binaryName string
	log        zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTemplates replaces DefaultTemplates.
func WithTemplates(templates []string) ResolverOption {
	return func(r *Resolver) {
		r.templates = append([]string(nil), templates...)
	}
}

// WithBinaryName replaces DefaultBinaryName.
func WithBinaryName(name string) ResolverOption {
	return func(r *Resolver) {
		r.binaryName = name
	}
}

// WithLogger sets the logger used for probe diagnostics.
func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.log = log
	}
}

// NewResolver validates the configured templates and binary name.
func NewResolver(store Store, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		store:      store,
		templates:  DefaultTemplates,
		binaryName: DefaultBinaryName,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}

	if len(r.templates) == 0 {
		return nil, errors.New("no candidate templates configured")
	}
	for _, tmpl := range r.templates {
		if err := ValidateTemplate(tmpl); err != nil {
			return nil, err
		}
	}
	if err := ValidateBinaryName(r.binaryName); err != nil {
		return nil, err
	}
	return r, nil
}

// Candidates expands every template for id, most specific first.
func (r *Resolver) Candidates(id device.Identity) []Candidate {
	out := make([]Candidate, len(r.templates))
	for i, tmpl := range r.templates {
		out[i] = Candidate{
			Level:    i,
			Template: tmpl,
			Name:     filepath.Join(filepath.FromSlash(expand(tmpl, id)), r.binaryName),
		}
	}
	return out
}

// Resolve probes the candidates in order and returns the first readable one.
// Probing stops at the first hit. A failed probe, whatever the cause, only
// disqualifies that candidate.
func (r *Resolver) Resolve(ctx context.Context, id device.Identity) (Candidate, bool) {
	for _, c := range r.Candidates(id) {
		if ctx.Err() != nil {
			return Candidate{}, false
		}

		err := r.store.Probe(c.Name)
		if err == nil {
			return c, true
		}
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.Debug().Err(err).Str("candidate", c.Name).Msg("Skipping unreadable candidate")
		}
	}
	return Candidate{}, false
}

// ValidateTemplate rejects templates with unknown placeholders or ones that
// would expand to a path outside the store root.
func ValidateTemplate(tmpl string) error {
	if strings.TrimSpace(tmpl) == "" {
		return errors.New("candidate template must not be empty")
	}

	sample := device.Identity{Organization: "o", Project: "p", Node: "n", Attributes: "a"}
	expanded := expand(tmpl, sample)
	if strings.ContainsAny(expanded, "{}") {
		return fmt.Errorf("candidate template %q: unknown placeholder", tmpl)
	}
	if !filepath.IsLocal(filepath.FromSlash(expanded)) {
		return fmt.Errorf("candidate template %q: must be a relative path inside the firmware dir", tmpl)
	}
	return nil
}

// ValidateBinaryName requires a single plain file name.
func ValidateBinaryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid firmware binary name %q", name)
	}
	return nil
}

func expand(tmpl string, id device.Identity) string {
	return strings.NewReplacer(
		PlaceholderOrganization, id.Organization,
		PlaceholderProject, id.Project,
		PlaceholderNode, id.Node,
		PlaceholderAttributes, id.Attributes,
	).Replace(tmpl)
}
