package filegroup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/xattr"
)

// Info lists the contents of a directory tree. Paths are relative to the
// collected root and slash separated.
type Info struct {
	Files       []*FileInfo      `json:"files"`
	Directories []*DirectoryInfo `json:"directories"`
	Symlinks    []*SymlinkInfo   `json:"symlinks,omitempty"`
}

type DirectoryInfo struct {
	Path string      `json:"path"`
	Mode os.FileMode `json:"mode"`
}

type SymlinkInfo struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

type FileInfo struct {
	Path string      `json:"path"`
	Size int64       `json:"size"`
	Mode os.FileMode `json:"mode"`
}

// Paths returns every collected path in lexicographic order.
func (i Info) Paths() []string {
	paths := make([]string, 0, len(i.Files)+len(i.Directories)+len(i.Symlinks))
	for _, f := range i.Files {
		paths = append(paths, f.Path)
	}
	for _, d := range i.Directories {
		paths = append(paths, d.Path)
	}
	for _, s := range i.Symlinks {
		paths = append(paths, s.Path)
	}
	slices.Sort(paths)

	return paths
}

func (i Info) TotalSize() int64 {
	var total int64
	for _, f := range i.Files {
		total += f.Size
	}

	return total
}

type fileGroupInfoCollector struct {
	Files           []*FileInfo
	Dirs            []*DirectoryInfo
	Symlinks        []*SymlinkInfo
	LargestFileSize int64
}

func (mc *fileGroupInfoCollector) AddFile(fileInfo *FileInfo) {
	mc.Files = append(mc.Files, fileInfo)
	if fileInfo.Size > mc.LargestFileSize {
		mc.LargestFileSize = fileInfo.Size
	}
}

// Collect walks rootPath and records every file, directory and symlink below
// it. Symlinks are recorded as links and never followed.
func Collect(rootPath string, logger log.Logger) (Info, error) {
	fgi := fileGroupInfoCollector{
		Files:    make([]*FileInfo, 0),
		Dirs:     make([]*DirectoryInfo, 0),
		Symlinks: make([]*SymlinkInfo, 0),
	}

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == rootPath {
			return nil
		}

		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		inf, err := d.Info()
		if err != nil {
			return fmt.Errorf("get file info: %w", err)
		}

		switch {
		case inf.IsDir():
			fgi.Dirs = append(fgi.Dirs, &DirectoryInfo{Path: rel, Mode: inf.Mode().Perm()})
		case inf.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
			fgi.Symlinks = append(fgi.Symlinks, &SymlinkInfo{Path: rel, Target: target})
		case inf.Mode().IsRegular():
			fgi.AddFile(&FileInfo{Path: rel, Size: inf.Size(), Mode: inf.Mode().Perm()})
		default:
			logger.Debugf("Skipping %s: unsupported file type %s", rel, inf.Mode().Type())
		}

		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("walk dir: %w", err)
	}

	logger.Infof("(i) Collected %d files, %d directories and %d symlinks", len(fgi.Files), len(fgi.Dirs), len(fgi.Symlinks))
	//nolint: gosec
	logger.Debugf("(i) Largest processed file size: %s", humanize.Bytes(uint64(fgi.LargestFileSize)))

	return Info{
		Files:       fgi.Files,
		Directories: fgi.Dirs,
		Symlinks:    fgi.Symlinks,
	}, nil
}

// GetAttributes reads the extended attributes of a file.
func GetAttributes(path string) (map[string]string, error) {
	attributes := make(map[string]string)
	attrNames, err := xattr.LList(path)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}

	for _, attr := range attrNames {
		value, err := xattr.LGet(path, attr)
		if err != nil {
			return nil, fmt.Errorf("xattr get: %w", err)
		}
		attributes[attr] = string(value)
	}

	return attributes, nil
}

func SetAttributes(path string, attributes map[string]string) error {
	for attr, value := range attributes {
		if err := xattr.LSet(path, attr, []byte(value)); err != nil {
			return fmt.Errorf("xattr set: %w", err)
		}
	}

	return nil
}

// RestoreSymlink creates path as a link to target, replacing a file or link
// already at path.
func RestoreSymlink(path, target string) error {
	if err := removeNonDirectory(path); err != nil {
		return err
	}

	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("create symlink %s -> %s: %w", path, target, err)
	}

	return nil
}

// RestoreFile writes content to path with the given permission bits. A file
// or link already at path is replaced, even when it is read-only.
func RestoreFile(path string, content []byte, mode os.FileMode) error {
	if err := removeNonDirectory(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()

		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	// Chmod after writing so the umask does not apply and read-only modes can be written.
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return fmt.Errorf("set file mode: %w", err)
	}

	return nil
}

// RestoreDirectory makes sure path exists as a writable directory. The final
// mode is applied by RestoreDirectoryMode once the children are written.
func RestoreDirectory(path string) error {
	info, err := os.Lstat(path)
	if err == nil && !info.IsDir() {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	return nil
}

func RestoreDirectoryMode(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return fmt.Errorf("set directory mode: %w", err)
	}

	return nil
}

func removeNonDirectory(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}
