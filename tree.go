package cryptdir

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"

	"github.com/absfs/absfs"
	"golang.org/x/sync/errgroup"
)

// NodeKind tags a tree node
type NodeKind uint8

const (
	// KindFile is a regular file
	KindFile NodeKind = iota
	// KindDirectory is a directory with children
	KindDirectory
	// KindUnknown is anything else: symbolic links, devices, sockets
	KindUnknown
)

// String returns the string representation of the node kind
func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Node is one entry of a directory snapshot. Directory nodes own their
// children by value; the tree is not updated after construction.
type Node struct {
	Kind     NodeKind
	Name     string
	Path     string // full slash path
	Rel      string // slash path relative to the tree root, "." for the root
	Ext      string // extension including the dot, empty when there is none
	Size     int64  // regular files only
	Children []Node // directories only, in enumeration order
}

// IsFile reports whether n is a regular file
func (n *Node) IsFile() bool { return n.Kind == KindFile }

// IsDir reports whether n is a directory
func (n *Node) IsDir() bool { return n.Kind == KindDirectory }

// HasExt reports whether the file name carries an extension
func (n *Node) HasExt() bool { return n.Ext != "" }

// BuildTree snapshots the directory at root. Directory reads fan out
// concurrently, bounded by limit (nil selects DefaultTreeConcurrency).
// Each directory also builds at most limit.Size() subdirectories at a time,
// so a wide tree queues instead of parking a goroutine per entry. The tree
// is returned only once fully assembled.
func BuildTree(ctx context.Context, fsys absfs.FileSystem, root string, limit *Limiter) (*Node, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &IOError{Operation: "stat", Path: root, Err: ErrNotFound}
		}
		return nil, NewIOError("stat", root, err)
	}
	if !info.IsDir() {
		return nil, &IOError{Operation: "read", Path: root, Err: ErrNotADirectory}
	}
	if limit == nil {
		limit = NewLimiter(DefaultTreeConcurrency)
	}

	b := &treeBuilder{fsys: fsys, limit: limit}
	node, err := b.build(ctx, root, ".", path.Base(root))
	if err != nil {
		return nil, err
	}
	return &node, nil
}

type treeBuilder struct {
	fsys  absfs.FileSystem
	limit *Limiter
}

func (b *treeBuilder) build(ctx context.Context, dir, rel, name string) (Node, error) {
	node := Node{Kind: KindDirectory, Name: name, Path: dir, Rel: rel}

	if err := b.limit.Acquire(ctx); err != nil {
		return node, err
	}
	infos, err := readDir(b.fsys, dir)
	b.limit.Release()
	if err != nil {
		return node, err
	}

	node.Children = make([]Node, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.limit.Size())
	for i, info := range infos {
		childPath := path.Join(dir, info.Name())
		childRel := path.Join(rel, info.Name())
		mode := info.Mode()
		switch {
		case mode.IsDir():
			g.Go(func() error {
				child, err := b.build(gctx, childPath, childRel, info.Name())
				node.Children[i] = child
				return err
			})
		case mode.IsRegular():
			node.Children[i] = Node{
				Kind: KindFile,
				Name: info.Name(),
				Path: childPath,
				Rel:  childRel,
				Ext:  path.Ext(info.Name()),
				Size: info.Size(),
			}
		default:
			node.Children[i] = Node{Kind: KindUnknown, Name: info.Name(), Path: childPath, Rel: childRel}
		}
	}
	if err := g.Wait(); err != nil {
		return node, err
	}
	return node, nil
}

func readDir(fsys absfs.FileSystem, dir string) ([]os.FileInfo, error) {
	f, err := fsys.Open(dir)
	if err != nil {
		return nil, NewIOError("open", dir, err)
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, NewIOError("readdir", dir, err)
	}
	return infos, nil
}

// Walk calls fn for every node below n, depth-first, parents before
// children. It stops at the first error returned by fn.
func (n *Node) Walk(fn func(*Node) error) error {
	for i := range n.Children {
		child := &n.Children[i]
		if err := fn(child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := child.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten returns the regular files of the tree, depth-first.
func Flatten(n *Node) []Node {
	if n.IsFile() {
		return []Node{*n}
	}
	var files []Node
	n.Walk(func(c *Node) error {
		if c.IsFile() {
			files = append(files, *c)
		}
		return nil
	})
	return files
}

// EntryCount returns the number of regular files in the tree. Directories
// are not counted.
func EntryCount(n *Node) int {
	if n.IsFile() {
		return 1
	}
	count := 0
	n.Walk(func(c *Node) error {
		if c.IsFile() {
			count++
		}
		return nil
	})
	return count
}

// TotalSize returns the summed size of all regular files in the tree
func TotalSize(n *Node) int64 {
	if n.IsFile() {
		return n.Size
	}
	var size int64
	n.Walk(func(c *Node) error {
		if c.IsFile() {
			size += c.Size
		}
		return nil
	})
	return size
}
