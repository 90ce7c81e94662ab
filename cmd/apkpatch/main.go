// Copyright 2024 The apkpatch Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apkpatch/apkpatch"
	"github.com/apkpatch/apkpatch/internal/log"
)

var (
	verbose     bool
	configPath  string
	outputPath  string
	reportPath  string
	dexPaths    []string
	autoSign    bool
	noAutoSign  bool
)

func newLogger() *log.Helper {
	level := log.LevelWarn
	if verbose {
		level = log.LevelDebug
	}
	return log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(level)))
}

func runProcessApk(cmd *cobra.Command, args []string) error {
	archive := args[0]
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.DexPaths = append(cfg.DexPaths, dexPaths...)
	if autoSign {
		cfg.AutoSign = true
	}
	if noAutoSign {
		cfg.AutoSign = false
	}

	dexClasses, err := loadDexClasses(cfg.DexPaths)
	if err != nil {
		return err
	}

	out := outputPath
	if out == "" {
		out = archive
	}

	p := apkpatch.NewPipeline(cfg, newLogger())
	report, err := p.Run(archive, out, dexClasses)
	if report != nil {
		fmt.Print(report.String())
	}
	return err
}

func runScan(cmd *cobra.Command, args []string) error {
	archive := args[0]
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	av, err := apkpatch.LoadFile(archive, newLogger())
	if err != nil {
		return err
	}
	defer av.Close()

	cm, pm, wl, err := cfg.BuildMappings()
	if err != nil {
		return err
	}
	opts := cfg.RewriteOptionsFromConfig(cm, pm, wl)

	scanReport, err := apkpatch.Scan(av, "resources.arsc", opts, cfg.Targets, nil, newLogger())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(scanReport, "", "  ")
	if err != nil {
		return err
	}
	if reportPath == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(reportPath, data, 0o644)
}

func runValidate(cmd *cobra.Command, args []string) error {
	archive := args[0]
	dexClasses, err := loadDexClasses(dexPaths)
	if err != nil {
		return err
	}

	if dexClasses != nil {
		if configPath == "" {
			return fmt.Errorf("apkpatch: --dex-path requires --config to supply the class mappings to cross-check")
		}
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cm, _, _, err := cfg.BuildMappings()
		if err != nil {
			return err
		}
		if err := apkpatch.CheckDexCrossReference(cm, dexClasses); err != nil {
			return err
		}
	}

	av, err := apkpatch.LoadFile(archive, newLogger())
	if err != nil {
		return err
	}
	defer av.Close()

	for _, path := range av.Paths() {
		if len(path) < 4 || path[len(path)-4:] != ".xml" {
			continue
		}
		data, err := av.Read(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if _, err := apkpatch.ParseBinaryXml(data, apkpatch.ValidationStrict); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	fmt.Println("ok")
	return nil
}

// exactArgsOrUsage is cobra.ExactArgs with the documented usage-error
// exit code (2) instead of the generic failure code.
func exactArgsOrUsage(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return nil
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "apkpatch",
		Short: "Rewrite class and package identifiers inside a compiled application archive",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
		return nil
	})

	processCmd := &cobra.Command{
		Use:   "process-apk <archive>",
		Short: "Rewrite class/package identifiers in an archive and commit the result",
		Args:  exactArgsOrUsage(1),
		RunE:  runProcessApk,
	}
	processCmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration document (required)")
	processCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output archive path (defaults to rewriting in place)")
	processCmd.Flags().StringArrayVar(&dexPaths, "dex-path", nil, "enumerated bytecode class-name list for cross-validation")
	processCmd.Flags().BoolVar(&autoSign, "auto-sign", false, "request an external align+sign step after commit")
	processCmd.Flags().BoolVar(&noAutoSign, "no-auto-sign", false, "suppress the external align+sign step")
	_ = processCmd.MarkFlagRequired("config")

	scanCmd := &cobra.Command{
		Use:   "scan <archive>",
		Short: "Dry-run the rewriters and print a scan report without mutating the archive",
		Args:  exactArgsOrUsage(1),
		RunE:  runScan,
	}
	scanCmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration document (required)")
	scanCmd.Flags().StringVarP(&reportPath, "output", "o", "", "scan report output path (defaults to stdout)")
	_ = scanCmd.MarkFlagRequired("config")

	validateCmd := &cobra.Command{
		Use:   "validate <archive>",
		Short: "Parse every binary-XML entry and confirm well-formedness",
		Args:  exactArgsOrUsage(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringArrayVar(&dexPaths, "dex-path", nil, "enumerated bytecode class-name list")
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration document (required when --dex-path is set)")

	rootCmd.AddCommand(processCmd, scanCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
