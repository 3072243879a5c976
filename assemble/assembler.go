// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package assemble turns the changed-object set of a differential build into
// one loadable patch module: it attributes every changed object to its
// owning kernel binary, runs the external diff compiler per object,
// aggregates the per-object diffs and the unconditionally-new objects into a
// single relocatable link unit, and hands that to the module assembly tool.
package assemble // import "github.com/lpbuild/lpbuild/assemble"

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/lpbuild/lpbuild/buildgraph"
	"github.com/lpbuild/lpbuild/diffbuild"
	"github.com/lpbuild/lpbuild/layout"
)

// DiffOutcome classifies one diff compiler invocation.
type DiffOutcome int

const (
	// OutcomeUnchanged means the object has no functional difference.
	OutcomeUnchanged DiffOutcome = iota
	// OutcomeChanged means a diff object was produced.
	OutcomeChanged
	// OutcomeError means the diff compiler failed on the object.
	OutcomeError
)

// DiffRequest is the external diff compiler's input contract.
type DiffRequest struct {
	OrigObject    string
	PatchedObject string
	OwningBinary  string
	Output        string
	Symvers       string
	ModuleName    string
	Layout        layout.Layout
}

// DiffCompiler abstracts the external binary-diff compiler stage.
type DiffCompiler interface {
	Diff(ctx context.Context, req DiffRequest) (DiffOutcome, error)
}

// Linker merges relocatable objects into one link unit.
type Linker interface {
	LinkRelocatable(ctx context.Context, inputs []string, output string) error
}

// ModuleAssembler performs the final ELF surgery turning the aggregated link
// unit into a loadable module.
type ModuleAssembler interface {
	BuildModule(ctx context.Context, object, output string, klp bool) error
}

// SectionTagger embeds a metadata tag section into a relocatable object.
type SectionTagger interface {
	Tag(ctx context.Context, object, tag string) error
}

// OwnerResolver attributes an object to its owning kernel binary.
// *buildgraph.Resolver implements it.
type OwnerResolver interface {
	ResolveOwner(obj string) (buildgraph.Resolution, error)
}

// excludedObjects use ELF sections in ways the diff compiler cannot handle,
// or embed non-code payloads (the initramfs blob).
var excludedObjects = map[string]bool{
	"usr/initramfs_data.o": true,
}

var excludedPrefixes = []string{
	"arch/x86/purgatory/",
	"arch/x86/realmode/",
}

func isExcluded(path string) bool {
	if excludedObjects[path] || strings.HasSuffix(path, ".mod.o") {
		return true
	}
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// DiffErrorsError aggregates per-object diff compiler failures.
type DiffErrorsError struct {
	Count int
}

func (e *DiffErrorsError) Error() string {
	return fmt.Sprintf("%d object(s) failed binary diffing", e.Count)
}

// AmbiguousOwnerError reports a functionally changed object whose owning
// binary could not be attributed uniquely. Shipping a diff against the wrong
// relocation base is never acceptable.
type AmbiguousOwnerError struct {
	Object string
}

func (e *AmbiguousOwnerError) Error() string {
	return fmt.Sprintf("changed object %s has an ambiguous owning binary", e.Object)
}

// ErrNoFunctionalChange reports that every changed object diffed to "no
// functional change".
var ErrNoFunctionalChange = errors.New("no functional changes found")

// Input carries the per-run parameters of an assembly.
type Input struct {
	// BaselineTree holds the snapshotted unpatched objects.
	BaselineTree string
	// PatchedTree is the build tree after the instrumented pass.
	PatchedTree string
	// Symvers is the kernel's symbol version table (Module.symvers).
	Symvers string
	// ModuleName is the sanitized final module name.
	ModuleName string
	// HasKLP selects native livepatch support over the shadow runtime.
	HasKLP bool
	// Layout carries the probed special section sizes.
	Layout layout.Layout
	// WorkDir receives intermediate outputs.
	WorkDir string
	// OutputPath is where the finished module is written.
	OutputPath string
}

// Assembler aggregates per-object diffs into one patch module.
type Assembler struct {
	Resolver OwnerResolver
	Differ   DiffCompiler
	Linker   Linker
	Tagger   SectionTagger
	ModAsm   ModuleAssembler
}

// Assemble processes every changed object and produces the final module at
// in.OutputPath.
func (a *Assembler) Assemble(ctx context.Context, objects []diffbuild.ChangedObject,
	in Input) (string, error) {
	var linkInputs []string
	diffErrors := 0
	changed := 0

	for _, obj := range objects {
		if isExcluded(obj.Path) {
			log.Infof("skipping excluded object %s", obj.Path)
			continue
		}
		out := filepath.Join(in.WorkDir, "objects", filepath.FromSlash(obj.Path))
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return "", err
		}

		if obj.New {
			// Newly introduced objects carry no baseline to diff
			// against; they are copied through whole.
			if err := copyFile(filepath.Join(in.PatchedTree, obj.Path), out); err != nil {
				return "", fmt.Errorf("failed to stage new object %s: %w", obj.Path, err)
			}
			log.Infof("new object %s included as-is", obj.Path)
			linkInputs = append(linkInputs, out)
			continue
		}

		res, err := a.Resolver.ResolveOwner(obj.Path)
		if err != nil {
			return "", err
		}

		outcome, err := a.Differ.Diff(ctx, DiffRequest{
			OrigObject:    filepath.Join(in.BaselineTree, obj.Path),
			PatchedObject: filepath.Join(in.PatchedTree, obj.Path),
			OwningBinary:  res.Binary,
			Output:        out,
			Symvers:       in.Symvers,
			ModuleName:    in.ModuleName,
			Layout:        in.Layout,
		})
		if err != nil {
			return "", err
		}
		switch outcome {
		case OutcomeUnchanged:
			log.Debugf("%s: no functional change", obj.Path)
		case OutcomeChanged:
			if res.Ambiguous {
				return "", &AmbiguousOwnerError{Object: obj.Path}
			}
			log.Infof("%s: functionally changed (owner %s)", obj.Path, res.Binary)
			changed++
			linkInputs = append(linkInputs, out)
		case OutcomeError:
			log.Errorf("%s: diff compiler failed", obj.Path)
			diffErrors++
		}
	}

	if diffErrors > 0 {
		return "", &DiffErrorsError{Count: diffErrors}
	}
	if changed == 0 {
		return "", ErrNoFunctionalChange
	}

	combined := filepath.Join(in.WorkDir, in.ModuleName+".o")
	if err := a.Linker.LinkRelocatable(ctx, linkInputs, combined); err != nil {
		return "", fmt.Errorf("failed to link aggregate object: %w", err)
	}

	if !in.HasKLP {
		// The shadow-runtime loader matches modules by content hash.
		tag, err := contentTag(combined)
		if err != nil {
			return "", err
		}
		if err := a.Tagger.Tag(ctx, combined, tag); err != nil {
			return "", fmt.Errorf("failed to tag aggregate object: %w", err)
		}
	}

	if err := a.ModAsm.BuildModule(ctx, combined, in.OutputPath, in.HasKLP); err != nil {
		return "", err
	}
	return in.OutputPath, nil
}

// contentTag hashes the aggregate object's content.
func contentTag(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:]), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
