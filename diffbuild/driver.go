// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package diffbuild drives the two-pass differential kernel build: a
// baseline pass over the unpatched tree, whose object files are snapshotted,
// and an instrumented pass over the patched tree with per-function and
// per-data section isolation enabled. The set of objects whose compiled
// output differs between the passes is the input to diff assembly.
package diffbuild // import "github.com/lpbuild/lpbuild/diffbuild"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sys/unix"

	"github.com/lpbuild/lpbuild/buildgraph"
	"github.com/lpbuild/lpbuild/internal/runner"
)

// isolationFlags make every function and data item occupy its own linker
// section, a precondition for diffing at symbol granularity.
var isolationFlags = []string{"-ffunction-sections", "-fdata-sections"}

// ErrNoChangedObjects reports an instrumented build whose output is
// byte-identical to the baseline. A no-op patch is not a valid outcome.
var ErrNoChangedObjects = errors.New("no changed objects found; the patch has no compiled effect")

// BuildOptions parameterize one delegated build pass.
type BuildOptions struct {
	Tree        string
	Jobs        int
	Targets     []string
	ExtraCFLAGS []string
}

// BuildSystem abstracts the delegated native build. The production
// implementation is Make; tests fake it.
type BuildSystem interface {
	Build(ctx context.Context, opts BuildOptions) (runner.Result, error)
}

// Make runs the kernel's own build system.
type Make struct {
	Run runner.Runner
}

func (m *Make) Build(ctx context.Context, opts BuildOptions) (runner.Result, error) {
	args := []string{"-C", opts.Tree, "-j" + strconv.Itoa(opts.Jobs)}
	if len(opts.ExtraCFLAGS) > 0 {
		args = append(args, "KCFLAGS="+strings.Join(opts.ExtraCFLAGS, " "))
	}
	args = append(args, opts.Targets...)
	return m.Run.Run(ctx, runner.Cmd{Path: "make", Args: args})
}

// BuildFailedError reports a delegated build pass that exited non-zero.
type BuildFailedError struct {
	Stage    string
	ExitCode int
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("%s build failed with exit status %d", e.Stage, e.ExitCode)
}

// CrashError reports a build process that died with a core dump. When the
// post-mortem artifact was located it is preserved and named; otherwise the
// operator is told how to capture one.
type CrashError struct {
	Stage    string
	CorePath string
}

func (e *CrashError) Error() string {
	if e.CorePath != "" {
		return fmt.Sprintf("%s build crashed; core dump preserved at %s", e.Stage, e.CorePath)
	}
	var lim unix.Rlimit
	advice := "re-run with 'ulimit -c unlimited' to capture a core dump"
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &lim); err == nil && lim.Cur == 0 {
		advice = "core dumps are disabled (RLIMIT_CORE=0); " + advice
	}
	return fmt.Sprintf("%s build crashed; no core dump found - %s", e.Stage, advice)
}

// ChangedObject is one compiled object whose output differs between the
// baseline and instrumented passes.
type ChangedObject struct {
	// Path is tree-relative.
	Path string
	// New marks objects that exist only in the patched tree.
	New bool
}

// ChangeSet is the instrumented build's harvest.
type ChangeSet struct {
	Objects []ChangedObject
	// BuildOutput is the raw delegated-build output, kept for the symbol
	// closure verifier's diagnostic scan.
	BuildOutput []byte
}

// Driver runs the two build passes against one tree.
type Driver struct {
	Build BuildSystem
	// Tree is the kernel build tree, shared by both passes.
	Tree string
	// SnapshotDir receives a copy of every baseline object file.
	SnapshotDir string
	Jobs        int
	Targets     []string

	baseline map[string]uint64
}

// BuildBaseline compiles the unpatched tree and snapshots every produced
// object file, both its content hash and a copy for later diffing.
func (d *Driver) BuildBaseline(ctx context.Context) error {
	start := time.Now()
	log.Info("building unpatched baseline")
	res, err := d.Build.Build(ctx, BuildOptions{
		Tree: d.Tree, Jobs: d.Jobs, Targets: d.Targets,
	})
	if err != nil {
		return err
	}
	if err := d.checkResult("baseline", res, start); err != nil {
		return err
	}

	d.baseline = make(map[string]uint64)
	err = d.walkObjects(d.Tree, func(rel string, hash uint64) error {
		d.baseline[rel] = hash
		return snapshotCopy(filepath.Join(d.Tree, rel), filepath.Join(d.SnapshotDir, rel))
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot baseline objects: %w", err)
	}
	log.Infof("baseline: %d objects snapshotted", len(d.baseline))
	return nil
}

// LoadBaseline reconstructs the baseline object set from the snapshot a
// previous BuildBaseline run left behind, skipping the baseline build pass
// entirely. The caller is responsible for knowing the snapshot is valid for
// the tree at hand.
func (d *Driver) LoadBaseline() error {
	d.baseline = make(map[string]uint64)
	err := d.walkObjects(d.SnapshotDir, func(rel string, hash uint64) error {
		d.baseline[rel] = hash
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load baseline snapshot: %w", err)
	}
	if len(d.baseline) == 0 {
		return errors.New("baseline snapshot is empty")
	}
	log.Infof("baseline: %d objects loaded from snapshot", len(d.baseline))
	return nil
}

// BuildInstrumented compiles the patched tree with section isolation and
// returns the objects whose compiled output changed relative to the
// baseline. The caller must have applied the patch transaction first.
func (d *Driver) BuildInstrumented(ctx context.Context) (*ChangeSet, error) {
	if d.baseline == nil {
		return nil, errors.New("baseline build has not run")
	}
	start := time.Now()
	log.Info("building patched tree with section isolation")
	res, err := d.Build.Build(ctx, BuildOptions{
		Tree: d.Tree, Jobs: d.Jobs, Targets: d.Targets,
		ExtraCFLAGS: isolationFlags,
	})
	if err != nil {
		return nil, err
	}
	if err := d.checkResult("instrumented", res, start); err != nil {
		return nil, err
	}

	cs := &ChangeSet{BuildOutput: res.Output}
	err = d.walkObjects(d.Tree, func(rel string, hash uint64) error {
		base, existed := d.baseline[rel]
		switch {
		case !existed:
			cs.Objects = append(cs.Objects, ChangedObject{Path: rel, New: true})
		case base != hash:
			cs.Objects = append(cs.Objects, ChangedObject{Path: rel})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(cs.Objects) == 0 {
		return nil, ErrNoChangedObjects
	}
	sort.Slice(cs.Objects, func(i, j int) bool {
		return cs.Objects[i].Path < cs.Objects[j].Path
	})
	log.Infof("instrumented build: %d changed objects", len(cs.Objects))
	return cs, nil
}

func (d *Driver) checkResult(stage string, res runner.Result, start time.Time) error {
	if res.CoreDumped {
		return &CrashError{Stage: stage, CorePath: d.findCore(start)}
	}
	if res.ExitCode != 0 {
		return &BuildFailedError{Stage: stage, ExitCode: res.ExitCode}
	}
	return nil
}

// findCore looks for a post-mortem artifact written since the build started.
func (d *Driver) findCore(since time.Time) string {
	var found string
	_ = filepath.WalkDir(d.Tree, func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() {
			return nil //nolint:nilerr
		}
		name := de.Name()
		if name != "core" && !strings.HasPrefix(name, "core.") {
			return nil
		}
		// Second precision: filesystems may truncate mtimes.
		if info, ierr := de.Info(); ierr == nil &&
			!info.ModTime().Before(since.Truncate(time.Second)) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// walkObjects visits every compiled translation unit below root with its
// content hash. Intermediate kbuild artifacts and link-stage aggregates
// (vmlinux.o, multi-object module intermediates) are skipped: they only
// re-package translation units that are hashed in their own right, and
// diffing them would duplicate every changed function in the final link.
func (d *Driver) walkObjects(root string, visit func(rel string, hash uint64) error) error {
	return filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if name := de.Name(); name == ".git" || name == ".tmp_versions" {
				return filepath.SkipDir
			}
			return nil
		}
		name := de.Name()
		if !strings.HasSuffix(name, ".o") || strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		// The command records always live in the build tree, also when
		// walking a snapshot of it.
		if buildgraph.LinkProduct(d.Tree, rel) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return visit(rel, xxh3.Hash(data))
	})
}

func snapshotCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
