package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// scheduleFile is the YAML profile format for bulk-scheduling units:
//
//	schedule:
//	  - installation/bootloader.pm
//	  - script: console/validate.pm
type scheduleFile struct {
	Schedule []scheduleFileEntry `yaml:"schedule"`
}

type scheduleFileEntry struct {
	Script string `yaml:"script"`
}

func (e *scheduleFileEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e.Script = value.Value
		return nil
	}
	type plain scheduleFileEntry
	return value.Decode((*plain)(e))
}

// LoadScheduleFile schedules every unit named by a YAML schedule profile,
// in file order.
func (r *Registry) LoadScheduleFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schedule file: %w", err)
	}
	var sf scheduleFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parsing schedule file: %w", err)
	}
	r.log.Debug("Loading schedule profile", "path", path, "entries", len(sf.Schedule))
	for _, entry := range sf.Schedule {
		if entry.Script == "" {
			return fmt.Errorf("schedule file %s contains an entry without a script", path)
		}
		if _, err := r.Schedule(entry.Script, nil); err != nil {
			return err
		}
	}
	return nil
}
