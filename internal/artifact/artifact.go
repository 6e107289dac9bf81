// Package artifact locates the agent library and its override file in the
// module directory.
//
// Filenames carry a version string that changes independently of the
// injection config, so artifacts are found by pattern at request time rather
// than stored by name. All patterns come from one matcher table keyed by
// (family, architecture, role).
package artifact

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/doughall/gadgetd/internal/arch"
)

// Role is what a file is for.
type Role int

const (
	// RoleAgent is the architecture-qualified agent library.
	RoleAgent Role = iota
	// RoleOverride is the optional config override delivered with the agent.
	RoleOverride
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleOverride:
		return "override"
	default:
		return "unknown"
	}
}

// ErrAmbiguous is returned when more than one file matches a role.
var ErrAmbiguous = errors.New("ambiguous artifact configuration")

// Matcher tests a filename against one table entry.
type Matcher struct {
	Prefix string
	Suffix string
}

// Match reports whether name carries both the prefix and the suffix
// without the two overlapping.
func (m Matcher) Match(name string) bool {
	return len(name) >= len(m.Prefix)+len(m.Suffix) &&
		strings.HasPrefix(name, m.Prefix) &&
		strings.HasSuffix(name, m.Suffix)
}

type key struct {
	family string
	arch   arch.Arch
	role   Role
}

// newTable builds the matcher table for a family. The override entry is the
// same for every architecture.
func newTable(family string) map[key]Matcher {
	t := make(map[key]Matcher, len(arch.All)*2)
	for _, a := range arch.All {
		t[key{family, a, RoleAgent}] = Matcher{
			Prefix: family + "-",
			Suffix: "-android-" + a.String() + ".so",
		}
		t[key{family, a, RoleOverride}] = Matcher{
			Suffix: family + ".config",
		}
	}
	return t
}

// Resolver finds artifacts for one family and architecture.
type Resolver struct {
	family string
	arch   arch.Arch
	table  map[key]Matcher
}

// NewResolver creates a resolver for the given family and architecture.
func NewResolver(family string, a arch.Arch) *Resolver {
	return &Resolver{
		family: family,
		arch:   a,
		table:  newTable(family),
	}
}

// Arch returns the architecture the resolver was built for.
func (r *Resolver) Arch() arch.Arch {
	return r.arch
}

// Matcher returns the table entry for role.
func (r *Resolver) Matcher(role Role) (Matcher, bool) {
	m, ok := r.table[key{r.family, r.arch, role}]
	return m, ok
}

// Find returns the single regular file directly inside dir that matches
// role. No match returns "" and a nil error; more than one match returns
// ErrAmbiguous.
func (r *Resolver) Find(dir string, role Role) (string, error) {
	m, ok := r.Matcher(role)
	if !ok {
		return "", fmt.Errorf("no %s pattern for %s/%s", role, r.family, r.arch)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read artifact directory: %w", err)
	}

	var found []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if m.Match(entry.Name()) {
			found = append(found, entry.Name())
		}
	}

	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %d %s files in %s: %s",
			ErrAmbiguous, len(found), role, dir, strings.Join(found, ", "))
	}
}

// OverrideName is the name the override takes next to the delivered agent:
// the agent's name with ".so" replaced by ".config.so". The companion uses it
// to copy and the loader to delete, so the two can never disagree.
func OverrideName(agentFilename string) string {
	return strings.TrimSuffix(agentFilename, ".so") + ".config.so"
}
