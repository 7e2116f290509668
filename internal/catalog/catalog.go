// Package catalog provides lookups over the sector → subprocess issue taxonomy.
package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrUnknownSector is returned when a sector key is not part of the taxonomy.
var ErrUnknownSector = errors.New("unknown sector")

// Sector is a top-level service category.
type Sector struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
	Icon string `json:"icon,omitempty" yaml:"icon"`
}

// Subprocess is an issue type within a sector.
type Subprocess struct {
	Key              string `json:"key" yaml:"key"`
	Name             string `json:"name" yaml:"name"`
	RequiresLocation bool   `json:"requires_location" yaml:"requires_location"`
}

// Catalog is the read-only taxonomy lookup used by the conversation controller.
type Catalog interface {
	// Menu returns all sectors ordered by key.
	Menu(ctx context.Context) ([]Sector, error)

	// Subprocesses returns the issue types of a sector ordered by key.
	Subprocesses(ctx context.Context, sectorKey string) ([]Subprocess, error)
}

// IsOther reports whether the subprocess is the catch-all entry of its sector.
func IsOther(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "other" || n == "others" || strings.HasPrefix(n, "other ")
}

// LocationHint reports whether a subprocess name describes a network or signal problem.
// Remote catalogs carry no explicit flag, so the name is the only signal.
func LocationHint(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "network") || strings.Contains(n, "signal")
}

// DisplaySet trims subs to at most limit entries while keeping every "Other" entry.
// A non-positive limit returns subs unchanged.
func DisplaySet(subs []Subprocess, limit int) []Subprocess {
	if limit <= 0 || len(subs) <= limit {
		return subs
	}

	var others []Subprocess
	for _, s := range subs {
		if IsOther(s.Name) {
			others = append(others, s)
		}
	}

	room := limit - len(others)
	out := make([]Subprocess, 0, limit)
	for _, s := range subs {
		if IsOther(s.Name) {
			out = append(out, s)
			continue
		}
		if room > 0 {
			out = append(out, s)
			room--
		}
	}
	return out
}

// FindSectorByName resolves a sector from its display name.
func FindSectorByName(ctx context.Context, c Catalog, name string) (Sector, bool, error) {
	if name == "" {
		return Sector{}, false, nil
	}
	menu, err := c.Menu(ctx)
	if err != nil {
		return Sector{}, false, err
	}
	for _, s := range menu {
		if strings.EqualFold(s.Name, name) {
			return s, true, nil
		}
	}
	return Sector{}, false, nil
}

// FindSubprocessByName resolves a subprocess of sectorKey from its display name.
func FindSubprocessByName(ctx context.Context, c Catalog, sectorKey, name string) (Subprocess, bool, error) {
	if sectorKey == "" || name == "" {
		return Subprocess{}, false, nil
	}
	subs, err := c.Subprocesses(ctx, sectorKey)
	if err != nil {
		return Subprocess{}, false, err
	}
	for _, s := range subs {
		if strings.EqualFold(s.Name, name) {
			return s, true, nil
		}
	}
	return Subprocess{}, false, nil
}

// lessKey orders numeric keys numerically and everything else lexically.
func lessKey(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
