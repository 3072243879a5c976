// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Production implementations of the external tool capabilities. Each wraps
// one delegated process behind the corresponding interface so that tests
// never invoke real compilation.

package assemble // import "github.com/lpbuild/lpbuild/assemble"

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lpbuild/lpbuild/internal/runner"
)

// diff compiler exit status contract: 0 produced a diff object, 3 found no
// functional change, anything else is an error.
const diffExitNoChange = 3

// CreateDiffObject invokes the external binary-diff compiler.
type CreateDiffObject struct {
	Run runner.Runner
	// Tool is the diff compiler executable, typically create-diff-object.
	Tool string
}

func (c *CreateDiffObject) Diff(ctx context.Context, req DiffRequest) (DiffOutcome, error) {
	res, err := c.Run.Run(ctx, runner.Cmd{
		Path: c.Tool,
		Args: []string{req.OrigObject, req.PatchedObject, req.OwningBinary,
			req.Symvers, req.ModuleName, req.Output},
		Env: req.Layout.Env(),
	})
	if err != nil {
		return OutcomeError, err
	}
	switch res.ExitCode {
	case 0:
		return OutcomeChanged, nil
	case diffExitNoChange:
		return OutcomeUnchanged, nil
	default:
		return OutcomeError, nil
	}
}

// LDLinker merges relocatable objects with ld -r.
type LDLinker struct {
	Run runner.Runner
	// Tool defaults to ld when empty.
	Tool string
}

func (l *LDLinker) LinkRelocatable(ctx context.Context, inputs []string, output string) error {
	tool := l.Tool
	if tool == "" {
		tool = "ld"
	}
	args := append([]string{"-r", "-o", output}, inputs...)
	res, err := l.Run.Run(ctx, runner.Cmd{Path: tool, Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s -r exited with %d", tool, res.ExitCode)
	}
	return nil
}

// tagSection names the metadata section read by the shadow-runtime loader.
const tagSection = ".lpbuild.tag"

// ObjcopyTagger embeds the content tag via objcopy --add-section.
type ObjcopyTagger struct {
	Run runner.Runner
}

func (o *ObjcopyTagger) Tag(ctx context.Context, object, tag string) error {
	tagFile := object + ".tag"
	if err := os.WriteFile(tagFile, []byte(tag), 0o644); err != nil {
		return err
	}
	defer os.Remove(tagFile)

	res, err := o.Run.Run(ctx, runner.Cmd{
		Path: "objcopy",
		Args: []string{"--add-section", tagSection + "=" + tagFile, object},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("objcopy exited with %d", res.ExitCode)
	}
	return nil
}

// KbuildModuleAssembler produces the final loadable module by handing the
// aggregate object to the kernel's own module build, which supplies module
// metadata, versioning and post-processing.
type KbuildModuleAssembler struct {
	Run runner.Runner
	// KernelDir is the configured kernel build tree to build the module
	// against.
	KernelDir string
}

func (k *KbuildModuleAssembler) BuildModule(ctx context.Context, object, output string,
	klp bool) error {
	dir := filepath.Dir(object)
	name := strings.TrimSuffix(filepath.Base(object), ".o")

	makefile := fmt.Sprintf("KBUILD_MODPOST_WARN = 1\nobj-m += %s.o\n", name)
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte(makefile), 0o644); err != nil {
		return err
	}
	// An empty saved command record stops kbuild from trying to rebuild
	// the prelinked object from a nonexistent source file.
	if err := os.WriteFile(filepath.Join(dir, "."+name+".o.cmd"), nil, 0o644); err != nil {
		return err
	}

	res, err := k.Run.Run(ctx, runner.Cmd{
		Path: "make",
		Args: []string{"-C", k.KernelDir, "M=" + dir, "modules"},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("module build exited with %d", res.ExitCode)
	}
	return copyFile(filepath.Join(dir, name+".ko"), output)
}
