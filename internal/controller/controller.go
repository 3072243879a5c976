// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller wires the pipeline stages together: staging, patch
// transaction, differential build, layout probe, diff assembly and symbol
// closure verification. Stages run strictly in order; teardown (patch revert
// and staging release) is guaranteed on every exit route.
package controller // import "github.com/lpbuild/lpbuild/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/lpbuild/lpbuild/assemble"
	"github.com/lpbuild/lpbuild/buildgraph"
	"github.com/lpbuild/lpbuild/diffbuild"
	"github.com/lpbuild/lpbuild/internal/runner"
	"github.com/lpbuild/lpbuild/internal/staging"
	"github.com/lpbuild/lpbuild/layout"
	"github.com/lpbuild/lpbuild/patchtx"
	"github.com/lpbuild/lpbuild/symclosure"
)

// Deps are the external tool capabilities the pipeline delegates to. Zero
// fields are replaced by the production implementations; tests inject fakes.
type Deps struct {
	NewRunner func(logSink io.Writer) runner.Runner
	Build     func(run runner.Runner) diffbuild.BuildSystem
	Differ    func(run runner.Runner) assemble.DiffCompiler
	Linker    func(run runner.Runner) assemble.Linker
	Tagger    func(run runner.Runner) assemble.SectionTagger
	ModAsm    func(run runner.Runner, kernelDir string) assemble.ModuleAssembler
	// Toolchain short-circuits the compiler prerequisite check in tests.
	Toolchain func(ctx context.Context, run runner.Runner) error
}

func (d *Deps) fillDefaults() {
	if d.NewRunner == nil {
		d.NewRunner = runner.New
	}
	if d.Build == nil {
		d.Build = func(run runner.Runner) diffbuild.BuildSystem {
			return &diffbuild.Make{Run: run}
		}
	}
	if d.Differ == nil {
		d.Differ = func(run runner.Runner) assemble.DiffCompiler {
			return &assemble.CreateDiffObject{Run: run, Tool: "create-diff-object"}
		}
	}
	if d.Linker == nil {
		d.Linker = func(run runner.Runner) assemble.Linker {
			return &assemble.LDLinker{Run: run}
		}
	}
	if d.Tagger == nil {
		d.Tagger = func(run runner.Runner) assemble.SectionTagger {
			return &assemble.ObjcopyTagger{Run: run}
		}
	}
	if d.ModAsm == nil {
		d.ModAsm = func(run runner.Runner, kernelDir string) assemble.ModuleAssembler {
			return &assemble.KbuildModuleAssembler{Run: run, KernelDir: kernelDir}
		}
	}
	if d.Toolchain == nil {
		d.Toolchain = checkToolchain
	}
}

// Run executes the whole pipeline. The returned error is the single fatal
// cause; full detail lives in the retained diagnostic log.
func Run(ctx context.Context, cfg *Config, deps *Deps) (err error) {
	if deps == nil {
		deps = &Deps{}
	}
	deps.fillDefaults()

	ws, werr := staging.Open(cfg.CacheDir, cfg.KernelVersion, cfg.Debug)
	if werr != nil {
		return fmt.Errorf("failed to acquire staging workspace: %w", werr)
	}
	defer func() {
		retained, rerr := ws.Release(err != nil)
		if rerr != nil {
			log.Errorf("staging release: %v", rerr)
		}
		if retained != "" {
			log.Infof("diagnostic log retained at %s", retained)
		}
	}()

	run := deps.NewRunner(ws.Log())

	if err = deps.Toolchain(ctx, run); err != nil {
		return err
	}

	// Validate that the whole patch series applies before any build work.
	tx, err := patchtx.Apply(ctx, run, cfg.SourceDir, cfg.Patches)
	if err != nil {
		return err
	}
	if err = tx.RevertAll(ctx); err != nil {
		return err
	}

	// The baseline snapshot lives in the version-tagged cache so that a
	// later run against the same kernel can skip the baseline pass. Staging
	// clears the whole cache when the tag does not match.
	driver := &diffbuild.Driver{
		Build:       deps.Build(run),
		Tree:        cfg.SourceDir,
		SnapshotDir: filepath.Join(ws.CacheDir, "baseline"),
		Jobs:        cfg.Jobs,
		Targets:     cfg.buildTargets(),
	}
	marker := filepath.Join(ws.CacheDir, "baseline.ok")
	if _, serr := os.Stat(marker); serr == nil {
		log.Infof("reusing cached baseline for %s", cfg.KernelVersion)
		if err = driver.LoadBaseline(); err != nil {
			return err
		}
	} else {
		if err = driver.BuildBaseline(ctx); err != nil {
			return err
		}
		if err = os.WriteFile(marker, nil, 0o644); err != nil {
			return err
		}
	}

	lay, err := layout.ProbeFile(cfg.Vmlinux, cfg.Arch, cfg.Paravirt)
	if err != nil {
		return err
	}

	// Second application: the instrumented build compiles the patched
	// tree. The transaction is reverted on every exit route below.
	tx, err = patchtx.Apply(ctx, run, cfg.SourceDir, cfg.Patches)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := tx.RevertAll(context.WithoutCancel(ctx)); rerr != nil {
			log.Errorf("patch revert: %v", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	changes, err := driver.BuildInstrumented(ctx)
	if err != nil {
		if errors.Is(err, diffbuild.ErrNoChangedObjects) {
			return noEffectError(err)
		}
		return err
	}

	name, err := assemble.ModuleName(cfg.Name, cfg.Patches, cfg.HasKLP)
	if err != nil {
		return err
	}

	resolver, err := buildgraph.NewResolver(cfg.SourceDir)
	if err != nil {
		return err
	}
	asm := &assemble.Assembler{
		Resolver: resolver,
		Differ:   deps.Differ(run),
		Linker:   deps.Linker(run),
		Tagger:   deps.Tagger(run),
		ModAsm:   deps.ModAsm(run, cfg.SourceDir),
	}
	workDir := filepath.Join(ws.ScratchDir, "assemble")
	if err = os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	// The module is staged in scratch space and only published to the
	// caller's output location after its symbol closure verifies.
	staged, err := asm.Assemble(ctx, changes.Objects, assemble.Input{
		BaselineTree: driver.SnapshotDir,
		PatchedTree:  cfg.SourceDir,
		Symvers:      filepath.Join(cfg.SourceDir, "Module.symvers"),
		ModuleName:   name,
		HasKLP:       cfg.HasKLP,
		Layout:       lay,
		WorkDir:      workDir,
		OutputPath:   filepath.Join(workDir, name+".ko"),
	})
	if err != nil {
		if errors.Is(err, assemble.ErrNoFunctionalChange) {
			return noEffectError(err)
		}
		return err
	}

	if err = symclosure.Verify(changes.BuildOutput, staged, !cfg.HasKLP); err != nil {
		return err
	}

	output := cfg.Output
	if output == "" {
		output = name + ".ko"
	}
	if err = publish(staged, output); err != nil {
		return fmt.Errorf("failed to write module to %s: %w", output, err)
	}
	log.Infof("module written to %s", output)
	return nil
}

func publish(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
