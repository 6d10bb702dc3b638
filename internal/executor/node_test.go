package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hybridmount/hybridmount/internal/fsops"
)

func mkLayer(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestBuildTreeLaterLayerWins(t *testing.T) {
	first := mkLayer(t, map[string]string{"etc/hosts": "first"})
	second := mkLayer(t, map[string]string{"etc/hosts": "second"})

	tree, err := buildTree(fsops.NewRealFS(), []string{first, second})
	require.NoError(t, err)

	etc := tree.children["etc"]
	require.NotNil(t, etc)
	require.Equal(t, nodeDir, etc.kind)

	hosts := etc.children["hosts"]
	require.NotNil(t, hosts)
	require.Equal(t, nodeFile, hosts.kind)
	require.Equal(t, filepath.Join(second, "etc", "hosts"), hosts.src,
		"conflicting file must come from the later layer")
}

func TestBuildTreeMergesDisjointLayers(t *testing.T) {
	first := mkLayer(t, map[string]string{"etc/a.conf": "a"})
	second := mkLayer(t, map[string]string{"etc/b.conf": "b", "bin/tool": "t"})

	tree, err := buildTree(fsops.NewRealFS(), []string{first, second})
	require.NoError(t, err)

	require.Len(t, tree.children, 2)
	etc := tree.children["etc"]
	require.Len(t, etc.children, 2)
	require.Equal(t, filepath.Join(first, "etc", "a.conf"), etc.children["a.conf"].src)
	require.Equal(t, filepath.Join(second, "etc", "b.conf"), etc.children["b.conf"].src)
}

func TestBuildTreeReplaceMarker(t *testing.T) {
	layer := mkLayer(t, map[string]string{
		"app/Bloat/.replace": "",
		"app/Bloat/keep.txt": "x",
	})

	tree, err := buildTree(fsops.NewRealFS(), []string{layer})
	require.NoError(t, err)

	bloat := tree.children["app"].children["Bloat"]
	require.True(t, bloat.replace)
	require.NotContains(t, bloat.children, replaceMarker, "marker file must not appear as content")
	require.Contains(t, bloat.children, "keep.txt")
}

func TestBuildTreeSymlink(t *testing.T) {
	layer := mkLayer(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(layer, "bin"), 0755))
	require.NoError(t, os.Symlink("/system/bin/toybox", filepath.Join(layer, "bin", "ls")))

	tree, err := buildTree(fsops.NewRealFS(), []string{layer})
	require.NoError(t, err)

	ls := tree.children["bin"].children["ls"]
	require.NotNil(t, ls)
	require.Equal(t, nodeSymlink, ls.kind)
}

func TestBuildTreeWhiteout(t *testing.T) {
	layer := mkLayer(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(layer, "app"), 0755))
	wh := filepath.Join(layer, "app", "Remove.apk")
	if err := unix.Mknod(wh, unix.S_IFCHR|0o644, 0); err != nil {
		t.Skipf("mknod requires privileges: %v", err)
	}

	tree, err := buildTree(fsops.NewRealFS(), []string{layer})
	require.NoError(t, err)

	node := tree.children["app"].children["Remove.apk"]
	require.NotNil(t, node)
	require.Equal(t, nodeWhiteout, node.kind)
}

func TestBuildTreeDirOverridesFile(t *testing.T) {
	first := mkLayer(t, map[string]string{"etc/thing": "file"})
	second := mkLayer(t, map[string]string{"etc/thing/nested.conf": "nested"})

	tree, err := buildTree(fsops.NewRealFS(), []string{first, second})
	require.NoError(t, err)

	thing := tree.children["etc"].children["thing"]
	require.Equal(t, nodeDir, thing.kind, "later dir must replace earlier file")
	require.Contains(t, thing.children, "nested.conf")
}
