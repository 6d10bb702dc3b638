package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hybridmount/hybridmount/internal/fsops"
)

// replaceMarker inside a module directory makes that directory replace
// the stock one wholesale instead of merging into it.
const replaceMarker = ".replace"

// replaceXattr is the overlayfs-style equivalent of the marker file.
const replaceXattr = "trusted.overlay.replace"

type nodeKind int

const (
	nodeDir nodeKind = iota
	nodeFile
	nodeSymlink
	nodeWhiteout
)

// node is one entry in the synthetic tree the magic mounter builds.
// The tree is the merge of all contributing layers: later layers win
// on conflicts, matching overlay lowerdir precedence.
type node struct {
	name string
	kind nodeKind

	// src is the staged path backing this node. Empty for whiteouts.
	src string

	// replace makes a directory hide the stock directory entirely.
	replace bool

	children map[string]*node
}

// buildTree merges the staged layers, in precedence order, into a
// single synthetic tree rooted at an anonymous directory node.
func buildTree(f fsops.FS, layers []string) (*node, error) {
	root := &node{kind: nodeDir, children: map[string]*node{}}
	for _, layer := range layers {
		if err := mergeLayer(f, root, layer); err != nil {
			return nil, fmt.Errorf("failed to merge layer %s: %w", layer, err)
		}
	}
	return root, nil
}

func mergeLayer(f fsops.FS, n *node, dir string) error {
	if replaced, err := hasReplaceXattr(f, dir); err != nil {
		return err
	} else if replaced {
		n.replace = true
	}

	entries, err := f.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		info, err := f.Lstat(path)
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case mode.IsDir():
			child := n.children[name]
			if child == nil || child.kind != nodeDir {
				child = &node{name: name, kind: nodeDir, children: map[string]*node{}}
				n.children[name] = child
			}
			child.src = path
			if err := mergeLayer(f, child, path); err != nil {
				return err
			}

		case mode&os.ModeSymlink != 0:
			n.children[name] = &node{name: name, kind: nodeSymlink, src: path}

		case mode&os.ModeCharDevice != 0:
			if isWhiteout(info) {
				n.children[name] = &node{name: name, kind: nodeWhiteout}
			}

		case mode.IsRegular():
			if name == replaceMarker {
				n.replace = true
				continue
			}
			n.children[name] = &node{name: name, kind: nodeFile, src: path}
		}
	}
	return nil
}

// isWhiteout reports whether info describes a 0:0 character device,
// the on-disk marker for "delete this path from the stock tree".
func isWhiteout(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	return ok && st.Rdev == 0
}

func hasReplaceXattr(f fsops.FS, dir string) (bool, error) {
	value, err := f.Getxattr(dir, replaceXattr)
	if err != nil {
		// Absent attribute and unsupported filesystem both mean no
		// replacement was requested.
		return false, nil
	}
	return string(value) == "y", nil
}
