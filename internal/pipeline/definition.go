// Package pipeline models the statically configured analysis pipelines and
// the dependency graph that links them.
package pipeline

import (
	"fmt"
	"strings"
)

// Key identifies a pipeline by name and version. Two entries with the same
// name but different versions are distinct pipelines.
type Key struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// String renders the key in the canonical name@version form used for state
// records and log output.
func (k Key) String() string {
	return k.Name + "@" + k.Version
}

// ParameterKind distinguishes the three configured parameter shapes.
type ParameterKind int

const (
	// ParameterFlagOnly is a bare flag with no value (e.g. --illumina).
	ParameterFlagOnly ParameterKind = iota
	// ParameterLiteral is a flag followed by a fixed configured value.
	ParameterLiteral
	// ParameterPlaceholder is a flag whose value is resolved at launch time
	// to a run-specific path or name.
	ParameterPlaceholder
)

// Parameter is one entry of a pipeline's ordered invocation parameter list.
type Parameter struct {
	Flag  string
	Kind  ParameterKind
	Value string
}

// Definition describes one configured analysis pipeline.
type Definition struct {
	Name         string
	Version      string
	Parameters   []Parameter
	Dependencies []Key
}

// Key returns the definition's (name, version) identity.
func (d Definition) Key() Key {
	return Key{Name: d.Name, Version: d.Version}
}

// ShortName strips any org prefix from the pipeline name, so that
// "BCCDC-PHL/ncov2019-artic-nf" becomes "ncov2019-artic-nf".
func (d Definition) ShortName() string {
	if idx := strings.LastIndex(d.Name, "/"); idx >= 0 {
		return d.Name[idx+1:]
	}
	return d.Name
}

// MinorVersion drops the patch component of the version, keeping any leading
// "v" as configured: "v1.3.2" becomes "v1.3".
func (d Definition) MinorVersion() string {
	parts := strings.Split(d.Version, ".")
	if len(parts) <= 2 {
		return d.Version
	}
	return strings.Join(parts[:2], ".")
}

// OutputDirName is the name of the per-run output directory for this
// pipeline: <short-name>-<minor-version>-output.
func (d Definition) OutputDirName() string {
	return d.ShortName() + "-" + d.MinorVersion() + "-output"
}

// Validate ensures the definition is self-consistent.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("pipeline: name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("pipeline %s: version is required", d.Name)
	}
	for i, param := range d.Parameters {
		if strings.TrimSpace(param.Flag) == "" {
			return fmt.Errorf("pipeline %s: parameter[%d] flag is required", d.Key(), i)
		}
	}
	for i, dep := range d.Dependencies {
		if strings.TrimSpace(dep.Name) == "" || strings.TrimSpace(dep.Version) == "" {
			return fmt.Errorf("pipeline %s: dependency[%d] requires name and version", d.Key(), i)
		}
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	clone := Definition{Name: d.Name, Version: d.Version}
	if len(d.Parameters) > 0 {
		clone.Parameters = make([]Parameter, len(d.Parameters))
		copy(clone.Parameters, d.Parameters)
	}
	if len(d.Dependencies) > 0 {
		clone.Dependencies = make([]Key, len(d.Dependencies))
		copy(clone.Dependencies, d.Dependencies)
	}
	return clone
}
