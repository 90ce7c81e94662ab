// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apkpatch/apkpatch"
)

// loadConfig reads and parses the YAML configuration document at path
// into a populated apkpatch.Config, applying the documented defaults for
// any field the document left unset. The core package never touches
// YAML.
func loadConfig(path string) (apkpatch.Config, error) {
	cfg := apkpatch.DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("apkpatch: reading config %s: %w", path, err)
	}

	// Decode into a shadow struct so an explicit `process_tools_context:
	// false` in the document is distinguishable from the key being
	// absent; yaml.v3 leaves untouched fields at their existing value on
	// a *pointer* receiver, so we decode into pointers then merge.
	var doc struct {
		OwnPackagePrefixes  []string          `yaml:"own_package_prefixes"`
		PackageMappings     map[string]string `yaml:"package_mappings"`
		ClassMappings       map[string]string `yaml:"class_mappings"`
		DexPaths            []string          `yaml:"dex_paths"`
		Targets             []string          `yaml:"targets"`
		ProcessToolsContext *bool             `yaml:"process_tools_context"`
		KeepBackup          bool              `yaml:"keep_backup"`
		ParallelProcessing  bool              `yaml:"parallel_processing"`
		AutoSign            bool              `yaml:"auto_sign"`
		ValidationMode      string            `yaml:"validation_mode"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("apkpatch: parsing config %s: %w", path, err)
	}

	cfg.OwnPackagePrefixes = doc.OwnPackagePrefixes
	cfg.PackageMappings = doc.PackageMappings
	cfg.ClassMappings = doc.ClassMappings
	cfg.DexPaths = doc.DexPaths
	cfg.Targets = doc.Targets
	cfg.KeepBackup = doc.KeepBackup
	cfg.ParallelProcessing = doc.ParallelProcessing
	cfg.AutoSign = doc.AutoSign
	if doc.ValidationMode != "" {
		cfg.ValidationMode = doc.ValidationMode
	}
	if doc.ProcessToolsContext != nil {
		cfg.ProcessToolsContext = *doc.ProcessToolsContext
	}

	return cfg, nil
}

// loadDexClasses reads every path in dexPaths as a newline-separated list
// of bytecode internal class names and merges them into one DexClassSet.
// The enumeration itself happens upstream; this loader only consumes its
// plain-text output, one internal name per line.
func loadDexClasses(dexPaths []string) (*apkpatch.DexClassSet, error) {
	if len(dexPaths) == 0 {
		return nil, nil
	}
	var names []string
	for _, path := range dexPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("apkpatch: reading dex class list %s: %w", path, err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
	}
	return apkpatch.LoadClassNameSet(names), nil
}
