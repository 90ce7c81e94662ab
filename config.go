// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package apkpatch

import "fmt"

// Config is the structured configuration document the core accepts. Its
// loader is an external collaborator (cmd/apkpatch/config.go); the core
// only ever sees a populated Config value.
type Config struct {
	OwnPackagePrefixes []string          `yaml:"own_package_prefixes"`
	PackageMappings    map[string]string `yaml:"package_mappings"`
	ClassMappings      map[string]string `yaml:"class_mappings"`
	DexPaths           []string          `yaml:"dex_paths"`
	Targets            []string          `yaml:"targets"`

	// ProcessToolsContext defaults to true; the loader is
	// responsible for applying that default before the core sees it, so
	// the zero value here is only meaningful once the loader has run.
	ProcessToolsContext bool `yaml:"process_tools_context"`
	KeepBackup          bool `yaml:"keep_backup"`
	ParallelProcessing  bool `yaml:"parallel_processing"`
	AutoSign            bool `yaml:"auto_sign"`

	// ValidationMode is one of "strict", "lenient", "warn".
	ValidationMode string `yaml:"validation_mode"`
}

// DefaultConfig returns a Config with every documented default applied:
// process_tools_context true, validation_mode strict.
func DefaultConfig() Config {
	return Config{
		ProcessToolsContext: true,
		ValidationMode:      "strict",
	}
}

// validationModeFromString maps the configuration document's
// validation_mode string to the internal ValidationMode enum. An unset
// string is not a valid document value in practice (DefaultConfig always
// populates ValidationMode before the core sees it) but is mapped to
// strict here too.
func validationModeFromString(s string) (ValidationMode, error) {
	switch s {
	case "", "strict":
		return ValidationStrict, nil
	case "lenient":
		return ValidationLenient, nil
	case "warn":
		return ValidationWarn, nil
	default:
		return 0, fmt.Errorf("apkpatch: unrecognized validation_mode %q", s)
	}
}

// BuildMappings constructs the ClassMap, PackageMap, and Whitelist the
// pipeline consults from the configuration's mapping tables. It fails
// with MappingConflict if package_mappings and class_mappings disagree
// about an own-prefix-scoped entry.
func (c *Config) BuildMappings() (*ClassMap, *PackageMap, *Whitelist, error) {
	wl := NewWhitelist(c.OwnPackagePrefixes)

	pm := NewPackageMap()
	for a, b := range c.PackageMappings {
		if err := pm.Insert(a, b); err != nil {
			return nil, nil, nil, err
		}
	}

	cm := NewClassMap()
	for a, b := range c.ClassMappings {
		if err := cm.Insert(a, b); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := checkMappingConsistency(cm, pm); err != nil {
		return nil, nil, nil, err
	}

	return cm, pm, wl, nil
}

// checkMappingConsistency verifies that no exact class mapping
// contradicts what the longest-prefix package mapping would have
// produced for the same key.
func checkMappingConsistency(cm *ClassMap, pm *PackageMap) error {
	for _, key := range cm.Keys() {
		exact, _ := cm.Get(key)
		viaPrefix := pm.Replace(key)
		if viaPrefix != key && viaPrefix != exact {
			return &MappingConflict{Key: key, Existing: viaPrefix, Incoming: exact}
		}
	}
	return nil
}

// RewriteOptionsFromConfig builds the RewriteOptions the scanner and
// rewriters share for one pipeline run.
func (c *Config) RewriteOptionsFromConfig(cm *ClassMap, pm *PackageMap, wl *Whitelist) *RewriteOptions {
	return &RewriteOptions{
		Whitelist:           wl,
		ClassMap:            cm,
		PackageMap:          pm,
		ProcessToolsContext: c.ProcessToolsContext,
	}
}
