package cryptdir

import (
	"os"

	"github.com/absfs/absfs"
	"github.com/absfs/osfs"
)

// NewHostFS returns the host filesystem used by RunEncrypt and RunDecrypt.
func NewHostFS() (absfs.FileSystem, error) {
	fsys, err := osfs.NewFS()
	if err != nil {
		return nil, NewIOError("open", "/", err)
	}
	return fsys, nil
}

// lstat describes a symbolic link itself when fsys supports links, and
// falls back to Stat otherwise.
func lstat(fsys absfs.FileSystem, name string) (os.FileInfo, error) {
	if l, ok := fsys.(absfs.SymLinker); ok {
		return l.Lstat(name)
	}
	return fsys.Stat(name)
}
