package fsops

// FakeFS wraps RealFS with injectable failures so staging and storage
// code can be tested against error paths without manufacturing them on
// a real filesystem. Operations without a configured failure fall
// through to the real implementation, so tests still work against
// t.TempDir trees.
type FakeFS struct {
	*RealFS

	// SetxattrErr fails every Setxattr call when set. Used to simulate
	// a backend without extended-attribute support.
	SetxattrErr error

	// CopyTreeErr fails CopyTree for the given source paths.
	CopyTreeErr map[string]error

	// xattrs is an in-memory attribute store. Privileged namespaces
	// (trusted.*) cannot be written on a real filesystem in tests.
	xattrs map[string]map[string][]byte
}

// NewFakeFS creates a FakeFS with no configured failures.
func NewFakeFS() *FakeFS {
	return &FakeFS{
		RealFS:      NewRealFS(),
		CopyTreeErr: make(map[string]error),
		xattrs:      make(map[string]map[string][]byte),
	}
}

// Setxattr stores the attribute in memory, or fails with SetxattrErr
// when configured.
func (fs *FakeFS) Setxattr(path, name string, value []byte) error {
	if fs.SetxattrErr != nil {
		return fs.SetxattrErr
	}
	if fs.xattrs[path] == nil {
		fs.xattrs[path] = make(map[string][]byte)
	}
	fs.xattrs[path][name] = value
	return nil
}

// Getxattr reads from the in-memory store, falling back to the real
// filesystem. Reports SetxattrErr when configured, mirroring a
// filesystem without xattr support.
func (fs *FakeFS) Getxattr(path, name string) ([]byte, error) {
	if fs.SetxattrErr != nil {
		return nil, fs.SetxattrErr
	}
	if value, ok := fs.xattrs[path][name]; ok {
		return value, nil
	}
	return fs.RealFS.Getxattr(path, name)
}

// CopyTree fails for sources listed in CopyTreeErr.
func (fs *FakeFS) CopyTree(src, dst string) error {
	if err := fs.CopyTreeErr[src]; err != nil {
		return err
	}
	return fs.RealFS.CopyTree(src, dst)
}

var _ FS = (*FakeFS)(nil)
