// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/peterbourgon/ff/v3"

	"github.com/lpbuild/lpbuild/internal/controller"
)

// Help strings for command line arguments
var (
	archHelp       = "Target architecture. Defaults to the running machine."
	cacheDirHelp   = "Directory for the reusable baseline build cache."
	configFileHelp = "Path to a configuration file holding one 'flag value' pair per line."
	jobsHelp       = "Number of parallel build jobs."
	nameHelp       = "Module name. Defaults to the base filename of the sole input patch."
	sourceDirHelp  = "Kernel source tree configured and built for the running kernel."
	targetsHelp    = "Comma-separated list of delegated build targets."
	versionHelp    = "Show version."

	kernelVersionHelp = "Kernel version the cache is tagged with. " +
		"Defaults to the running kernel."
	outputHelp = "Output path for the finished module. Defaults to <name>.ko " +
		"in the current directory."
	skipCleanupHelp = "Keep the scratch directory and diagnostic log after the run."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	vmlinuxHelp     = "Baseline kernel binary with debug metadata. " +
		"Defaults to vmlinux inside the source tree."
)

func parseArgs() (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("lpbuild", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.Arch, "arch", "", archHelp)

	fs.StringVar(&args.CacheDir, "cachedir", defaultCacheDir(), cacheDirHelp)
	fs.String("config", "", configFileHelp)

	fs.IntVar(&args.Jobs, "jobs", runtime.NumCPU(), jobsHelp)
	fs.StringVar(&args.KernelVersion, "kernel-version", "", kernelVersionHelp)

	fs.StringVar(&args.Name, "name", "", nameHelp)

	fs.StringVar(&args.Output, "output", "", outputHelp)

	fs.BoolVar(&args.Debug, "skip-cleanup", false, skipCleanupHelp)
	fs.StringVar(&args.SourceDir, "sourcedir", "", sourceDirHelp)

	fs.StringVar(&args.Targets, "targets", "", targetsHelp)

	fs.BoolVar(&args.Verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.Verbose, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.StringVar(&args.Vmlinux, "vmlinux", "", vmlinuxHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: lpbuild [flags] patch...\n")
		fs.PrintDefaults()
	}

	args.Fs = fs

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("LPBUILD"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
	args.Patches = fs.Args()
	return &args, err
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "lpbuild")
	}
	return filepath.Join(os.TempDir(), "lpbuild-cache")
}
