// Package fsops provides filesystem operations with safety guarantees.
//
// All filesystem mutations in the staging pipeline go through the FS
// interface, which provides abstractions for common operations along
// with identifier validation to keep module ids from escaping the
// staging root.
//
// Key features:
//   - Atomic writes using temp file + rename
//   - Extended-attribute preserving tree copies (SELinux labels must
//     survive staging or the mounted content is mislabeled)
//   - Symlink and whiteout aware copies
//   - Testable via the FS interface
package fsops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// FS provides an abstraction for filesystem operations.
type FS interface {
	// Lstat returns file info without following symlinks.
	Lstat(path string) (os.FileInfo, error)

	// Readlink reads the target of a symlink.
	Readlink(path string) (string, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm os.FileMode) error

	// Mkdir creates a single directory.
	Mkdir(path string, perm os.FileMode) error

	// Create creates an empty file, truncating any existing one.
	Create(path string, perm os.FileMode) error

	// Truncate sizes the file at path, creating it if absent. Growing
	// a fresh file yields a sparse file on filesystems that support
	// holes.
	Truncate(path string, size int64) error

	// CloneMeta copies mode, ownership, and extended attributes from
	// src onto dst.
	CloneMeta(src, dst string) error

	// Remove removes a file or empty directory.
	Remove(path string) error

	// RemoveAll removes a path and all its contents.
	RemoveAll(path string) error

	// Symlink creates a symbolic link from newname to oldname.
	Symlink(oldname, newname string) error

	// CopyTree copies a directory tree from src to dst, preserving
	// symlinks, permissions, extended attributes, and whiteout
	// character devices.
	CopyTree(src, dst string) error

	// Rename renames a file or directory.
	Rename(oldpath, newpath string) error

	// AtomicWrite writes data to path atomically using temp file + rename.
	AtomicWrite(path string, data []byte, perm os.FileMode) error

	// ReadFile reads the entire contents of a file.
	ReadFile(path string) ([]byte, error)

	// ReadDir reads the entries of a directory.
	ReadDir(path string) ([]os.DirEntry, error)

	// Exists checks if a path exists.
	Exists(path string) (bool, error)

	// Getxattr reads an extended attribute without following symlinks.
	Getxattr(path, name string) ([]byte, error)

	// Setxattr writes an extended attribute without following symlinks.
	Setxattr(path, name string, value []byte) error

	// ValidateIdentifier validates an identifier for safety.
	ValidateIdentifier(id string) error
}

// RealFS implements FS using actual OS operations.
type RealFS struct{}

// NewRealFS creates a new RealFS.
func NewRealFS() *RealFS {
	return &RealFS{}
}

// Lstat returns file info without following symlinks.
func (fs *RealFS) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

// Readlink reads the target of a symlink.
func (fs *RealFS) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

// MkdirAll creates a directory and all parent directories.
func (fs *RealFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Mkdir creates a single directory.
func (fs *RealFS) Mkdir(path string, perm os.FileMode) error {
	return os.Mkdir(path, perm)
}

// Create creates an empty file, truncating any existing one.
func (fs *RealFS) Create(path string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	return f.Close()
}

// Truncate sizes the file at path, creating it if absent.
func (fs *RealFS) Truncate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// CloneMeta copies mode, ownership, and extended attributes from src
// onto dst. Symlinks keep only ownership and xattrs.
func (fs *RealFS) CloneMeta(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("no stat data for %s", src)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to clone mode: %w", err)
		}
	}
	if err := os.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("failed to clone ownership: %w", err)
	}
	return fs.copyXattrs(src, dst)
}

// Remove removes a file or empty directory.
func (fs *RealFS) Remove(path string) error {
	return os.Remove(path)
}

// RemoveAll removes a path and all its contents.
func (fs *RealFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Symlink creates a symbolic link from newname to oldname.
func (fs *RealFS) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

// CopyTree copies a directory tree, preserving the attributes that
// matter at mount time. Symlinks are copied as symlinks, never
// followed: module trees routinely link into partitions that do not
// exist in the staging area.
func (fs *RealFS) CopyTree(src, dst string) error {
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}
	return fs.copyEntry(src, dst, srcInfo)
}

func (fs *RealFS) copyEntry(src, dst string, info os.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(dst, mode.Perm()); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("failed to read directory: %w", err)
		}
		for _, entry := range entries {
			childInfo, err := entry.Info()
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
			}
			if err := fs.copyEntry(
				filepath.Join(src, entry.Name()),
				filepath.Join(dst, entry.Name()),
				childInfo,
			); err != nil {
				return err
			}
		}
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("failed to read symlink: %w", err)
		}
		_ = os.Remove(dst)
		if err := os.Symlink(target, dst); err != nil {
			return fmt.Errorf("failed to create symlink: %w", err)
		}
	case mode&os.ModeCharDevice != 0:
		// Whiteout markers are 0:0 character devices; recreate them
		// verbatim so the mount engine still sees the deletion.
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("no stat data for device %s", src)
		}
		_ = os.Remove(dst)
		if err := unix.Mknod(dst, unix.S_IFCHR|uint32(mode.Perm()), int(st.Rdev)); err != nil {
			return fmt.Errorf("failed to recreate device node: %w", err)
		}
	case mode.IsRegular():
		if err := fs.copyFile(src, dst, mode.Perm()); err != nil {
			return err
		}
	default:
		// Sockets and pipes have no meaning in a staged module tree.
		return nil
	}
	return fs.copyXattrs(src, dst)
}

func (fs *RealFS) copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	return os.Chmod(dst, perm)
}

// copyXattrs replicates all extended attributes from src to dst.
// Attributes the backing filesystem refuses (ENOTSUP on tmpfs for some
// namespaces) are skipped; security.* must succeed or the copy fails,
// since a module file without its SELinux label is unusable once
// mounted.
func (fs *RealFS) copyXattrs(src, dst string) error {
	names, err := listXattrs(src)
	if err != nil {
		if err == unix.ENOTSUP {
			return nil
		}
		return fmt.Errorf("failed to list xattrs on %s: %w", src, err)
	}
	for _, name := range names {
		value, err := fs.Getxattr(src, name)
		if err != nil {
			return fmt.Errorf("failed to read xattr %s on %s: %w", name, src, err)
		}
		if err := fs.Setxattr(dst, name, value); err != nil {
			if !strings.HasPrefix(name, "security.") && err == unix.ENOTSUP {
				continue
			}
			return fmt.Errorf("failed to write xattr %s on %s: %w", name, dst, err)
		}
	}
	return nil
}

func listXattrs(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range strings.Split(string(buf[:size]), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Rename renames a file or directory.
func (fs *RealFS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// AtomicWrite writes data to path atomically using temp file + rename.
func (fs *RealFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadFile reads the entire contents of a file.
func (fs *RealFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ReadDir reads the entries of a directory.
func (fs *RealFS) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// Exists checks if a path exists.
func (fs *RealFS) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Getxattr reads an extended attribute without following symlinks.
func (fs *RealFS) Getxattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	size, err = unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// Setxattr writes an extended attribute without following symlinks.
func (fs *RealFS) Setxattr(path, name string, value []byte) error {
	return unix.Lsetxattr(path, name, value, 0)
}

// ValidateIdentifier validates that an identifier (module id) is safe
// to use as a single path component.
func (fs *RealFS) ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("identifier cannot be %q", id)
	}
	if strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("identifier %q contains invalid characters", id)
	}
	return nil
}
