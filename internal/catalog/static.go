package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy []byte

type taxonomyFile struct {
	Sectors []struct {
		Sector       `yaml:",inline"`
		Subprocesses []Subprocess `yaml:"subprocesses"`
	} `yaml:"sectors"`
}

// Static is an in-memory catalog loaded from a YAML taxonomy.
type Static struct {
	sectors []Sector
	subs    map[string][]Subprocess
}

// Default returns the built-in telecom taxonomy.
func Default() *Static {
	s, err := Parse(defaultTaxonomy)
	if err != nil {
		panic(fmt.Sprintf("built-in taxonomy is invalid: %v", err))
	}
	return s
}

// LoadFile reads a taxonomy from path, or the built-in one when path is empty.
func LoadFile(path string) (*Static, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML taxonomy document.
func Parse(data []byte) (*Static, error) {
	var doc taxonomyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	if len(doc.Sectors) == 0 {
		return nil, fmt.Errorf("taxonomy has no sectors")
	}

	s := &Static{subs: make(map[string][]Subprocess, len(doc.Sectors))}
	for _, sec := range doc.Sectors {
		if sec.Key == "" || sec.Name == "" {
			return nil, fmt.Errorf("sector %q: key and name are required", sec.Name)
		}
		if _, dup := s.subs[sec.Key]; dup {
			return nil, fmt.Errorf("duplicate sector key %q", sec.Key)
		}
		subs := append([]Subprocess(nil), sec.Subprocesses...)
		sort.SliceStable(subs, func(i, j int) bool { return lessKey(subs[i].Key, subs[j].Key) })
		s.sectors = append(s.sectors, sec.Sector)
		s.subs[sec.Key] = subs
	}
	sort.SliceStable(s.sectors, func(i, j int) bool { return lessKey(s.sectors[i].Key, s.sectors[j].Key) })
	return s, nil
}

// Menu returns all sectors.
func (s *Static) Menu(_ context.Context) ([]Sector, error) {
	return append([]Sector(nil), s.sectors...), nil
}

// Subprocesses returns the issue types of a sector.
func (s *Static) Subprocesses(_ context.Context, sectorKey string) ([]Subprocess, error) {
	subs, ok := s.subs[sectorKey]
	if !ok {
		return nil, fmt.Errorf("subprocesses for %q: %w", sectorKey, ErrUnknownSector)
	}
	return append([]Subprocess(nil), subs...), nil
}

// MarshalYAML renders the taxonomy back to its file form.
func (s *Static) MarshalYAML() (interface{}, error) {
	type sectorOut struct {
		Key          string       `yaml:"key"`
		Name         string       `yaml:"name"`
		Icon         string       `yaml:"icon,omitempty"`
		Subprocesses []Subprocess `yaml:"subprocesses"`
	}
	out := struct {
		Sectors []sectorOut `yaml:"sectors"`
	}{}
	for _, sec := range s.sectors {
		out.Sectors = append(out.Sectors, sectorOut{
			Key:          sec.Key,
			Name:         sec.Name,
			Icon:         sec.Icon,
			Subprocesses: s.subs[sec.Key],
		})
	}
	return out, nil
}
