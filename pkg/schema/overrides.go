package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overrides extends the built-in registry from a YAML file, so a newer
// export format can be accommodated without recompiling. Overrides are
// additive: built-in sources can gain renames or a different target table,
// and new sources or ignore markers can be declared.
//
//	sources:
//	  einheitenkernkraft:
//	    table: nuclear_extended
//	    renames:
//	      KernkraftMaStRNummer: KernkraftMastrNummer
//	ignored:
//	  - marktakteure
type Overrides struct {
	Sources map[string]SourceOverride `yaml:"sources"`
	Ignored []string                  `yaml:"ignored"`
}

// SourceOverride adjusts one bulk source.
type SourceOverride struct {
	Table   string            `yaml:"table"`
	Renames map[string]string `yaml:"renames"`
}

// LoadOverrides reads an overrides file. A missing file is not an error;
// it yields nil overrides.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read schema overrides: %w", err)
	}

	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse schema overrides: %w", err)
	}
	return &o, nil
}

// ApplyOverrides merges overrides into the registry. Nil overrides are a
// no-op.
func (r *Registry) ApplyOverrides(o *Overrides) {
	if o == nil {
		return
	}

	for source, ov := range o.Sources {
		if ov.Table != "" {
			r.bulkTarget[source] = ov.Table
		}
		if len(ov.Renames) > 0 {
			m := r.renames[source]
			if m == nil {
				m = make(map[string]string, len(ov.Renames))
				r.renames[source] = m
			}
			for from, to := range ov.Renames {
				m[from] = to
			}
		}
	}

	for _, source := range o.Ignored {
		r.ignored[source] = struct{}{}
	}
}
