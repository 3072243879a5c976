// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildgraph attributes a compiled object file to the kernel binary
// that ultimately links it: a loadable module, or the core kernel image. The
// build-dependency edges are reconstructed on demand from the build tree's
// own per-object saved command records, never stored by this tool.
package buildgraph // import "github.com/lpbuild/lpbuild/buildgraph"

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

// dirCacheSize bounds the number of directory indexes kept in memory. A
// broad search over a full kernel build tree touches a few thousand
// directories; changed objects cluster in a handful of them.
const dirCacheSize = 4096

// maxWalkDepth guards against cycles in corrupt command records.
const maxWalkDepth = 64

// terminalObjects are kbuild aggregate objects and architecture boot stubs
// that mark the top of the core kernel image's link graph.
var terminalObjects = map[string]bool{
	"built-in.a": true,
	"built-in.o": true,
	"vmlinux.o":  true,
	"vmlinux.a":  true,
	"head.o":     true,
	"head_64.o":  true,
	"head64.o":   true,
	"piggy.o":    true,
}

// Resolution names the kernel binary owning an object. Ambiguous is set when
// more than one distinct parent edge was seen at any step of the walk; the
// walk still picks one parent deterministically, and the caller decides
// whether an ambiguous attribution is acceptable for the object.
type Resolution struct {
	// Binary is the absolute path of the owning kernel binary.
	Binary string
	// IsModule is true when Binary is a loadable module rather than the
	// core kernel image.
	IsModule bool
	// Ambiguous records that the walk saw more than one candidate parent.
	Ambiguous bool
}

// NoAncestorError reports an object whose ownership walk exhausted both the
// local and the broad search without reaching a kernel binary.
type NoAncestorError struct {
	Object string
}

func (e *NoAncestorError) Error() string {
	return fmt.Sprintf("no owning kernel binary found for object %s", e.Object)
}

// Resolver resolves object ownership within one build tree. It is not safe
// for concurrent use; the pipeline is strictly sequential.
type Resolver struct {
	tree string

	// dirs caches parsed per-directory command record indexes, keyed by
	// tree-relative directory.
	dirs *freelru.LRU[string, *dirIndex]

	// lastBroadDir remembers where the previous broad search succeeded.
	// Broad search is expensive; related objects tend to resolve through
	// the same directory, so it is tried first on the next call.
	lastBroadDir string
}

// NewResolver returns a Resolver over the build tree rooted at tree.
func NewResolver(tree string) (*Resolver, error) {
	abs, err := filepath.Abs(tree)
	if err != nil {
		return nil, err
	}
	dirs, err := freelru.New[string, *dirIndex](dirCacheSize,
		func(s string) uint32 { return uint32(xxh3.HashString(s)) })
	if err != nil {
		return nil, err
	}
	return &Resolver{tree: abs, dirs: dirs}, nil
}

// ResolveOwner walks the build-dependency edges upward from the
// tree-relative object path until it reaches a loadable module or a terminal
// aggregate of the core kernel image.
func (r *Resolver) ResolveOwner(obj string) (Resolution, error) {
	cur := filepath.ToSlash(obj)
	ambiguous := false

	for depth := 0; depth < maxWalkDepth; depth++ {
		if terminalObjects[filepath.Base(cur)] {
			return Resolution{
				Binary:    filepath.Join(r.tree, "vmlinux"),
				Ambiguous: ambiguous,
			}, nil
		}
		if strings.HasSuffix(cur, ".ko") {
			return Resolution{
				Binary:    filepath.Join(r.tree, cur),
				IsModule:  true,
				Ambiguous: ambiguous,
			}, nil
		}
		// An object with a sibling .ko of the same name is a module's
		// final link product.
		if ko := strings.TrimSuffix(cur, ".o") + ".ko"; ko != cur {
			if _, err := os.Stat(filepath.Join(r.tree, ko)); err == nil {
				return Resolution{
					Binary:    filepath.Join(r.tree, ko),
					IsModule:  true,
					Ambiguous: ambiguous,
				}, nil
			}
		}

		parents, err := r.findParents(cur)
		if err != nil {
			return Resolution{}, err
		}
		if len(parents) == 0 {
			return Resolution{}, &NoAncestorError{Object: obj}
		}
		if len(parents) > 1 {
			log.Debugf("object %s has %d candidate parents: %v",
				cur, len(parents), parents)
			ambiguous = true
		}
		sort.Strings(parents)
		cur = parents[0]
	}
	return Resolution{}, &NoAncestorError{Object: obj}
}

// findParents first inspects the object's own directory and only falls back
// to scanning the whole tree when that yields nothing.
func (r *Resolver) findParents(obj string) ([]string, error) {
	dir := filepath.Dir(obj)
	idx, err := r.indexFor(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if idx != nil {
		if parents := idx.edges[obj]; len(parents) > 0 {
			return parents, nil
		}
	}
	return r.broadSearch(obj, dir)
}

// broadSearch scans every directory of the build tree for a command record
// naming obj as an input, starting with the directory that satisfied the
// previous broad search.
func (r *Resolver) broadSearch(obj, localDir string) ([]string, error) {
	if r.lastBroadDir != "" && r.lastBroadDir != localDir {
		if parents := r.parentsIn(r.lastBroadDir, obj); len(parents) > 0 {
			return parents, nil
		}
	}

	log.Debugf("broad parent search for %s", obj)
	var found []string
	err := filepath.WalkDir(r.tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr
		}
		if name := d.Name(); name == ".git" || name == ".tmp_versions" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(r.tree, path)
		if err != nil || rel == localDir || rel == r.lastBroadDir {
			return nil
		}
		if parents := r.parentsIn(rel, obj); len(parents) > 0 {
			found = parents
			r.lastBroadDir = rel
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *Resolver) parentsIn(dir, obj string) []string {
	idx, err := r.indexFor(dir)
	if err != nil {
		return nil
	}
	return idx.edges[obj]
}

func (r *Resolver) indexFor(dir string) (*dirIndex, error) {
	if idx, ok := r.dirs.Get(dir); ok {
		return idx, nil
	}
	idx, err := indexDir(r.tree, dir)
	if err != nil {
		return nil, err
	}
	r.dirs.Add(dir, idx)
	return idx, nil
}
