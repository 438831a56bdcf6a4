// Package simserver is a local stand-in for the orchestration backend. It
// serves the same REST surface and per-run websocket stream the monitor
// consumes, replaying scripted workflows from a YAML catalog. It exists for
// development, demos, and end-to-end testing; it executes nothing.
package simserver

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"runwatch/internal/dag"
)

// TimelineEntry is one scripted stream message. The payload is kept as loose
// YAML so scripts can also exercise malformed frames against the monitor.
type TimelineEntry struct {
	DelayMS int            `yaml:"delay_ms"`
	Event   map[string]any `yaml:"event"`
}

// Delay returns the pause before this entry is emitted.
func (e TimelineEntry) Delay() time.Duration {
	return time.Duration(e.DelayMS) * time.Millisecond
}

// Frame renders the entry's wire form.
func (e TimelineEntry) Frame() ([]byte, error) {
	return json.Marshal(e.Event)
}

// ScriptedWorkflow is one workflow the simulator pretends to know how to run.
type ScriptedWorkflow struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	InputSchema map[string]string `yaml:"input_schema"`
	DAG         dag.Definition    `yaml:"dag"`
	Timeline    []TimelineEntry   `yaml:"timeline"`
}

// Catalog is the simulator's full workflow script.
type Catalog struct {
	Workflows []ScriptedWorkflow `yaml:"workflows"`
}

// Workflow looks a scripted workflow up by name.
func (c Catalog) Workflow(name string) (ScriptedWorkflow, bool) {
	for _, wf := range c.Workflows {
		if wf.Name == name {
			return wf, true
		}
	}
	return ScriptedWorkflow{}, false
}

// LoadCatalog reads and validates a YAML script catalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("simserver: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML script catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("simserver: parse catalog: %w", err)
	}
	if len(catalog.Workflows) == 0 {
		return Catalog{}, fmt.Errorf("simserver: catalog declares no workflows")
	}
	seen := make(map[string]struct{}, len(catalog.Workflows))
	for i, wf := range catalog.Workflows {
		if wf.Name == "" {
			return Catalog{}, fmt.Errorf("simserver: workflows[%d] has no name", i)
		}
		if _, dup := seen[wf.Name]; dup {
			return Catalog{}, fmt.Errorf("simserver: duplicate workflow %q", wf.Name)
		}
		seen[wf.Name] = struct{}{}
		if err := wf.DAG.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("simserver: workflow %q: %w", wf.Name, err)
		}
		if len(wf.Timeline) == 0 {
			return Catalog{}, fmt.Errorf("simserver: workflow %q has an empty timeline", wf.Name)
		}
	}
	return catalog, nil
}
