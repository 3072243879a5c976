// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpbuild/lpbuild/assemble"
	"github.com/lpbuild/lpbuild/diffbuild"
	"github.com/lpbuild/lpbuild/internal/runner"
	"github.com/lpbuild/lpbuild/internal/testelf"
	"github.com/lpbuild/lpbuild/symclosure"
)

// okRunner satisfies every delegated invocation (patch, git) immediately.
type okRunner struct{}

func (okRunner) Run(context.Context, runner.Cmd) (runner.Result, error) {
	return runner.Result{}, nil
}

// fakeBuild writes the object files of the current pass into the tree.
type fakeBuild struct {
	passes []map[string]string
	output string
	calls  int
}

func (f *fakeBuild) Build(_ context.Context, opts diffbuild.BuildOptions) (runner.Result, error) {
	pass := f.calls
	f.calls++
	if pass < len(f.passes) {
		for rel, content := range f.passes[pass] {
			path := filepath.Join(opts.Tree, rel)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return runner.Result{}, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return runner.Result{}, err
			}
		}
	}
	return runner.Result{Output: []byte(f.output)}, nil
}

type fakeDiffer struct {
	requests []assemble.DiffRequest
}

func (f *fakeDiffer) Diff(_ context.Context, req assemble.DiffRequest) (assemble.DiffOutcome, error) {
	f.requests = append(f.requests, req)
	if err := os.WriteFile(req.Output, []byte("diff"), 0o644); err != nil {
		return assemble.OutcomeError, err
	}
	return assemble.OutcomeChanged, nil
}

type fakeLinker struct{}

func (fakeLinker) LinkRelocatable(_ context.Context, _ []string, output string) error {
	return os.WriteFile(output, []byte("linked"), 0o644)
}

type fakeTagger struct{}

func (fakeTagger) Tag(context.Context, string, string) error { return nil }

// fakeModAsm emits a minimal ELF module defining the given symbols.
type fakeModAsm struct {
	exports []string
}

func (f *fakeModAsm) BuildModule(_ context.Context, _, output string, _ bool) error {
	syms := make([]testelf.Sym, 0, len(f.exports))
	for _, name := range f.exports {
		syms = append(syms, testelf.Sym{Name: name, Bind: elf.STB_GLOBAL})
	}
	return os.WriteFile(output, testelf.Build(syms, nil), 0o644)
}

type env struct {
	cfg   *Config
	deps  *Deps
	build *fakeBuild
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tree := t.TempDir()

	// Build-dependency record so the changed object resolves to vmlinux.
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "fs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "fs", ".built-in.a.cmd"),
		[]byte("savedcmd_fs/built-in.a := ar cDPrST fs/built-in.a fs/inode.o\n"), 0o644))

	// Baseline kernel image with the special section structs in DWARF.
	require.NoError(t, os.WriteFile(filepath.Join(tree, "vmlinux"),
		testelf.Build(nil, []testelf.StructDef{
			{Name: "alt_instr", Size: 14},
			{Name: "bug_entry", Size: 12},
			{Name: "exception_table_entry", Size: 8},
		}), 0o644))

	patch := filepath.Join(t.TempDir(), "fix-null-deref.patch")
	require.NoError(t, os.WriteFile(patch, []byte("--- a/fs/inode.c\n"), 0o644))

	build := &fakeBuild{passes: []map[string]string{
		{"fs/inode.o": "orig"},
		{"fs/inode.o": "patched"},
	}}

	e := &env{
		cfg: &Config{
			SourceDir:     tree,
			Vmlinux:       filepath.Join(tree, "vmlinux"),
			CacheDir:      filepath.Join(t.TempDir(), "cache"),
			Output:        filepath.Join(t.TempDir(), "out.ko"),
			Arch:          "x86_64",
			KernelVersion: "6.8.0-test",
			Jobs:          1,
			HasKLP:        true,
			Patches:       []string{patch},
		},
		build: build,
	}
	e.deps = &Deps{
		NewRunner: func(io.Writer) runner.Runner { return okRunner{} },
		Build:     func(runner.Runner) diffbuild.BuildSystem { return build },
		Differ:    func(runner.Runner) assemble.DiffCompiler { return &fakeDiffer{} },
		Linker:    func(runner.Runner) assemble.Linker { return fakeLinker{} },
		Tagger:    func(runner.Runner) assemble.SectionTagger { return fakeTagger{} },
		ModAsm: func(runner.Runner, string) assemble.ModuleAssembler {
			return &fakeModAsm{}
		},
		Toolchain: func(context.Context, runner.Runner) error { return nil },
	}
	return e
}

func TestRunEndToEnd(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, Run(context.Background(), e.cfg, e.deps))
	assert.FileExists(t, e.cfg.Output)
	// Baseline and instrumented pass both ran.
	assert.Equal(t, 2, e.build.calls)
}

func TestRunReusesCachedBaseline(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, Run(context.Background(), e.cfg, e.deps))
	require.Equal(t, 2, e.build.calls)

	// A second run for the same kernel version finds the baseline snapshot
	// in the cache and only performs the instrumented pass.
	second := &fakeBuild{passes: []map[string]string{
		{"fs/inode.o": "patched again"},
	}}
	e.deps.Build = func(runner.Runner) diffbuild.BuildSystem { return second }

	require.NoError(t, Run(context.Background(), e.cfg, e.deps))
	assert.Equal(t, 1, second.calls)
}

func TestRunInvalidatesCacheOnVersionChange(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, Run(context.Background(), e.cfg, e.deps))

	// A different kernel version clears the cache; the baseline pass runs
	// again.
	e.cfg.KernelVersion = "6.9.0-test"
	second := &fakeBuild{passes: []map[string]string{
		{"fs/inode.o": "orig"},
		{"fs/inode.o": "patched"},
	}}
	e.deps.Build = func(runner.Runner) diffbuild.BuildSystem { return second }

	require.NoError(t, Run(context.Background(), e.cfg, e.deps))
	assert.Equal(t, 2, second.calls)
}

func TestRunNoFunctionalChanges(t *testing.T) {
	e := newEnv(t)
	e.build.passes = []map[string]string{
		{"fs/inode.o": "same"},
		{"fs/inode.o": "same"},
	}

	err := Run(context.Background(), e.cfg, e.deps)
	require.ErrorIs(t, err, diffbuild.ErrNoChangedObjects)
	assert.NoFileExists(t, e.cfg.Output)

	// The no-effect outcome carries a dedicated exit status.
	var exitErr ErrorWithExitCode
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitNoEffect, exitErr.Code())
}

func TestRunUnsatisfiedSymbolClosure(t *testing.T) {
	e := newEnv(t)
	e.build.output = "fs/inode.o: undefined reference to `missing_helper'\n"

	err := Run(context.Background(), e.cfg, e.deps)
	var uns *symclosure.UnsatisfiedError
	require.ErrorAs(t, err, &uns)
	assert.Equal(t, []string{"missing_helper"}, uns.Symbols)
	// The module must never be published in this state.
	assert.NoFileExists(t, e.cfg.Output)
}

func TestRunSatisfiedSymbolClosure(t *testing.T) {
	e := newEnv(t)
	e.build.output = "fs/inode.o: undefined reference to `patched_helper'\n"
	e.deps.ModAsm = func(runner.Runner, string) assemble.ModuleAssembler {
		return &fakeModAsm{exports: []string{"patched_helper"}}
	}

	require.NoError(t, Run(context.Background(), e.cfg, e.deps))
	assert.FileExists(t, e.cfg.Output)
}

func TestRunMissingLayoutStructAbortsBeforeInstrumentedBuild(t *testing.T) {
	e := newEnv(t)
	// vmlinux without the required structs.
	require.NoError(t, os.WriteFile(e.cfg.Vmlinux, testelf.Build(nil, []testelf.StructDef{
		{Name: "bug_entry", Size: 12},
	}), 0o644))

	err := Run(context.Background(), e.cfg, e.deps)
	require.Error(t, err)
	// Only the baseline pass ran.
	assert.Equal(t, 1, e.build.calls)
}

func TestRunToolchainGate(t *testing.T) {
	e := newEnv(t)
	e.deps.Toolchain = func(context.Context, runner.Runner) error {
		return errors.New("compiler too old")
	}

	err := Run(context.Background(), e.cfg, e.deps)
	require.ErrorContains(t, err, "compiler too old")
	assert.Zero(t, e.build.calls)
}

func TestValidate(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.cfg.Validate())

	e.cfg.Jobs = 0
	require.Error(t, e.cfg.Validate())
	e.cfg.Jobs = 1

	e.cfg.Patches = append(e.cfg.Patches, e.cfg.Patches[0])
	require.Error(t, e.cfg.Validate(), "multiple patches need an explicit name")
	e.cfg.Name = "combined-fix"
	require.NoError(t, e.cfg.Validate())

	e.cfg.Patches = nil
	require.Error(t, e.cfg.Validate())
}

func TestValidateFillsDefaults(t *testing.T) {
	e := newEnv(t)
	e.cfg.Vmlinux = ""
	e.cfg.Arch = ""
	e.cfg.KernelVersion = ""

	require.NoError(t, e.cfg.Validate())
	assert.Equal(t, filepath.Join(e.cfg.SourceDir, "vmlinux"), e.cfg.Vmlinux)
	assert.NotEmpty(t, e.cfg.Arch)
	assert.NotEmpty(t, e.cfg.KernelVersion)
}

func TestApplyKernelConfig(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.SourceDir, ".config"), []byte(
		"CONFIG_DEBUG_INFO=y\nCONFIG_PARAVIRT=y\n# CONFIG_LIVEPATCH is not set\n"), 0o644))

	require.NoError(t, e.cfg.ApplyKernelConfig())
	assert.True(t, e.cfg.Paravirt)
	assert.False(t, e.cfg.HasKLP)
}

func TestApplyKernelConfigRequiresDebugInfo(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.SourceDir, ".config"),
		[]byte("CONFIG_LIVEPATCH=y\n"), 0o644))

	require.Error(t, e.cfg.ApplyKernelConfig())
}

type versionRunner string

func (v versionRunner) Run(context.Context, runner.Cmd) (runner.Result, error) {
	return runner.Result{Output: []byte(v)}, nil
}

func TestCheckToolchain(t *testing.T) {
	err := checkToolchain(context.Background(), versionRunner("gcc (GCC) 12.3.0\n"))
	require.NoError(t, err)

	err = checkToolchain(context.Background(), versionRunner("gcc (GCC) 4.8.5\n"))
	require.ErrorContains(t, err, "older than the minimum")
}
