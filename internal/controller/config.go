// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/lpbuild/lpbuild/internal/controller"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Config carries the validated run parameters of one pipeline invocation.
type Config struct {
	// SourceDir is the kernel source/build tree for the running kernel.
	SourceDir string
	// Vmlinux is the baseline kernel binary with debug metadata. Defaults
	// to <SourceDir>/vmlinux.
	Vmlinux string
	// CacheDir holds the reusable baseline build cache.
	CacheDir string
	// Output is where the finished module is written. Defaults to
	// <Name>.ko in the current directory.
	Output string
	// Name overrides the module name derived from the patch filename.
	Name string
	// Arch is the target architecture. Defaults to the running machine.
	Arch string
	// KernelVersion tags the build cache. Defaults to the running kernel.
	KernelVersion string
	Jobs          int
	// Targets are the delegated build targets, comma separated.
	Targets string
	// Paravirt marks a target configured with paravirtualization.
	Paravirt bool
	// HasKLP marks a target kernel with native livepatch support; when
	// false the shadow runtime supplies the loader symbols.
	HasKLP bool
	// Patches are the unified-diff files to build from, in order.
	Patches []string

	Debug   bool
	Verbose bool
	Version bool

	Fs *flag.FlagSet
}

// Dump visits all flags and logs them at debug level.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate checks the configuration and fills in derivable defaults.
func (cfg *Config) Validate() error {
	if len(cfg.Patches) == 0 {
		return errors.New("no patch files given")
	}
	for _, p := range cfg.Patches {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("patch file %s: %w", p, err)
		}
	}
	if cfg.SourceDir == "" {
		return errors.New("-sourcedir is required")
	}
	if info, err := os.Stat(cfg.SourceDir); err != nil || !info.IsDir() {
		return fmt.Errorf("source directory %s is not usable", cfg.SourceDir)
	}
	if cfg.Jobs < 1 {
		return fmt.Errorf("invalid job count %d", cfg.Jobs)
	}
	if cfg.Name == "" && len(cfg.Patches) > 1 {
		return errors.New("-name is required when building from multiple patches")
	}
	if cfg.Vmlinux == "" {
		cfg.Vmlinux = filepath.Join(cfg.SourceDir, "vmlinux")
	}
	if cfg.Arch == "" {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			return fmt.Errorf("failed to determine architecture: %w", err)
		}
		cfg.Arch = unix.ByteSliceToString(uts.Machine[:])
	}
	if cfg.KernelVersion == "" {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			return fmt.Errorf("failed to determine kernel version: %w", err)
		}
		cfg.KernelVersion = unix.ByteSliceToString(uts.Release[:])
	}
	return nil
}

// ApplyKernelConfig reads the tree's .config and derives the
// paravirtualization and native-livepatch settings from it. It also rejects
// configurations the pipeline cannot work with.
func (cfg *Config) ApplyKernelConfig() error {
	path := filepath.Join(cfg.SourceDir, ".config")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("kernel configuration %s: %w", path, err)
	}
	defer f.Close()

	options := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CONFIG_") {
			continue
		}
		if name, value, ok := strings.Cut(line, "="); ok && value == "y" {
			options[name] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	cfg.Paravirt = options["CONFIG_PARAVIRT"]
	cfg.HasKLP = options["CONFIG_LIVEPATCH"]
	if !options["CONFIG_DEBUG_INFO"] && !options["CONFIG_DEBUG_INFO_DWARF4"] &&
		!options["CONFIG_DEBUG_INFO_DWARF5"] {
		return errors.New("kernel is built without debug info (CONFIG_DEBUG_INFO)")
	}
	return nil
}

// buildTargets splits the configured target list.
func (cfg *Config) buildTargets() []string {
	if cfg.Targets == "" {
		return []string{"vmlinux", "modules"}
	}
	return strings.Split(cfg.Targets, ",")
}
