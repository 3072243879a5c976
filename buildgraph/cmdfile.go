// Copyright The lpbuild Authors
// SPDX-License-Identifier: Apache-2.0

package buildgraph // import "github.com/lpbuild/lpbuild/buildgraph"

import (
	"bufio"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// maxCmdLine bounds a single saved command line. Kernel link commands listing
// thousands of objects easily exceed bufio's default token size.
const maxCmdLine = 4 * 1024 * 1024

// dirIndex holds the build-dependency edges reconstructed from one
// directory's saved command records: input object -> owning targets.
type dirIndex struct {
	edges map[string][]string
}

// parseCmdLine extracts the target and its input objects from one saved
// command record line of the form
//
//	savedcmd_drivers/net/built-in.a := ar cDPrST drivers/net/built-in.a a.o b.o
//
// Older trees use a cmd_ prefix instead of savedcmd_. Paths are relative to
// the build tree root. Inputs are the argument tokens naming object files or
// archives other than the target itself.
func parseCmdLine(line string) (target string, inputs []string, ok bool) {
	switch {
	case strings.HasPrefix(line, "savedcmd_"):
		line = strings.TrimPrefix(line, "savedcmd_")
	case strings.HasPrefix(line, "cmd_"):
		line = strings.TrimPrefix(line, "cmd_")
	default:
		return "", nil, false
	}
	target, cmd, found := strings.Cut(line, ":=")
	if !found {
		return "", nil, false
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", nil, false
	}

	for _, tok := range strings.Fields(cmd) {
		tok = strings.TrimSuffix(tok, ";")
		if strings.HasPrefix(tok, "-") || tok == target {
			continue
		}
		if strings.HasSuffix(tok, ".o") || strings.HasSuffix(tok, ".a") {
			inputs = append(inputs, tok)
		}
	}
	return target, inputs, true
}

// indexDir parses all saved command records in one directory of the build
// tree. dir is tree-relative; records inside it name their target and inputs
// tree-relative as well.
func indexDir(tree, dir string) (*dirIndex, error) {
	entries, err := os.ReadDir(filepath.Join(tree, dir))
	if err != nil {
		return nil, err
	}

	idx := &dirIndex{edges: make(map[string][]string)}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".cmd") {
			continue
		}
		target, inputs, err := parseCmdFile(filepath.Join(tree, dir, name))
		if err != nil {
			return nil, err
		}
		for _, in := range inputs {
			if !slices.Contains(idx.edges[in], target) {
				idx.edges[in] = append(idx.edges[in], target)
			}
		}
	}
	return idx, nil
}

// LinkProduct reports whether the tree-relative object is the output of a
// link or archive step over other objects, as opposed to a translation unit
// compiled from a source file. The object's own saved command record decides:
// a record whose inputs are object files or archives marks a link product.
// Objects without a record count as translation units.
func LinkProduct(tree, obj string) bool {
	dir, name := filepath.Split(filepath.FromSlash(obj))
	target, inputs, err := parseCmdFile(filepath.Join(tree, dir, "."+name+".cmd"))
	if err != nil || target == "" {
		return false
	}
	return len(inputs) > 0
}

// parseCmdFile reads the first saved command record of a .cmd file. The rest
// of the file holds source dependency lists which are irrelevant here.
func parseCmdFile(path string) (string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxCmdLine)
	for scanner.Scan() {
		if target, inputs, ok := parseCmdLine(scanner.Text()); ok {
			return target, inputs, nil
		}
	}
	return "", nil, scanner.Err()
}
