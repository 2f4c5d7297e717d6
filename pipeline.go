package cryptdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/absfs/absfs"
	"golang.org/x/sync/errgroup"
)

// Operation selects the direction of a run
type Operation uint8

const (
	// OpEncrypt encrypts plaintext items
	OpEncrypt Operation = iota
	// OpDecrypt decrypts previously encrypted items
	OpDecrypt
)

// String returns the string representation of the operation
func (o Operation) String() string {
	if o == OpDecrypt {
		return "decrypt"
	}
	return "encrypt"
}

// Output suffixes
const (
	EncryptedSuffix = ".encrypted"
	DecryptedSuffix = ".decrypted"
)

// Item is one input path resolved for a run. It lives for a single run
// and is never persisted.
type Item struct {
	Kind       NodeKind
	InputPath  string
	OutputPath string
	Tree       *Node // directories only
	Files      int   // plaintext files covered by the item
	Bytes      int64 // approximate plaintext bytes covered by the item
}

// ItemResult is the outcome of one work item
type ItemResult struct {
	Item Item
	Err  error
}

// OK reports whether the item succeeded
func (r ItemResult) OK() bool {
	return r.Err == nil
}

// Plan holds the resolved items of a run before any output is written.
type Plan struct {
	Op       Operation
	Items    []Item
	Rejected []ItemResult // items that failed resolution
	Files    int
	Bytes    int64
}

// Report is the outcome of a run
type Report struct {
	Op      Operation
	Results []ItemResult
	Files   int
	Bytes   int64
}

// Succeeded returns the number of items that completed
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of items that failed
func (r *Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Err joins the errors of all failed items, or returns nil
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Runner drives the encrypt and decrypt pipelines over a filesystem.
type Runner struct {
	fsys     absfs.FileSystem
	enc      *Encryption
	opts     Options
	logger   *slog.Logger
	files    *Limiter
	validate *Limiter
	tree     *Limiter
}

// NewRunner creates a Runner. The file limiter is shared by every item of
// every run, so it caps the open file handles of the whole process.
func NewRunner(fsys absfs.FileSystem, enc *Encryption, opts Options) (*Runner, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if enc == nil {
		return nil, fmt.Errorf("encryption cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	opts = opts.withDefaults()

	return &Runner{
		fsys:     fsys,
		enc:      enc,
		opts:     opts,
		logger:   opts.Logger,
		files:    NewLimiter(opts.FileConcurrency),
		validate: NewLimiter(opts.ValidateConcurrency),
		tree:     NewLimiter(opts.TreeConcurrency),
	}, nil
}

// RunEncrypt encrypts paths on the host filesystem under key.
func RunEncrypt(ctx context.Context, paths []string, key string, opts Options) (*Report, error) {
	return run(ctx, OpEncrypt, paths, key, opts)
}

// RunDecrypt decrypts paths on the host filesystem under key.
func RunDecrypt(ctx context.Context, paths []string, key string, opts Options) (*Report, error) {
	return run(ctx, OpDecrypt, paths, key, opts)
}

func run(ctx context.Context, op Operation, paths []string, key string, opts Options) (*Report, error) {
	enc, err := NewWithKey(key)
	if err != nil {
		return nil, err
	}
	fsys, err := NewHostFS()
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(fsys, enc, opts)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, op, paths...), nil
}

// Encrypt resolves and encrypts paths
func (r *Runner) Encrypt(ctx context.Context, paths ...string) *Report {
	return r.Run(ctx, OpEncrypt, paths...)
}

// Decrypt resolves and decrypts paths
func (r *Runner) Decrypt(ctx context.Context, paths ...string) *Report {
	return r.Run(ctx, OpDecrypt, paths...)
}

// Run plans and executes op over paths
func (r *Runner) Run(ctx context.Context, op Operation, paths ...string) *Report {
	return r.Execute(ctx, r.Plan(ctx, op, paths...))
}

// OutputPath derives the output location of input. Encrypting appends
// ".encrypted"; decrypting strips a trailing ".encrypted" and appends
// ".decrypted".
func OutputPath(input string, op Operation) string {
	if op == OpDecrypt {
		return strings.TrimSuffix(input, EncryptedSuffix) + DecryptedSuffix
	}
	return input + EncryptedSuffix
}

// Plan resolves every path into a work item and computes aggregate counts.
// Paths that fail to resolve are recorded in Plan.Rejected; the others are
// unaffected. Every input is located before any output is claimed, so an
// item whose output is another item's input, or repeats an earlier item's
// input or output, is rejected with ErrOutputCollision and nothing is
// removed on its behalf.
func (r *Runner) Plan(ctx context.Context, op Operation, paths ...string) *Plan {
	plan := &Plan{Op: op}
	reject := func(raw string, item Item, err error) {
		r.logger.Error("cannot resolve item",
			slog.String("op", op.String()),
			slog.String("path", raw),
			slog.Any("error", err))
		plan.Rejected = append(plan.Rejected, ItemResult{
			Item: item,
			Err:  &ItemError{Op: op.String(), Path: item.InputPath, Err: err},
		})
	}

	type located struct {
		raw  string
		item Item
		info fs.FileInfo
	}
	var found []located
	inputs := make(map[string]bool)
	for _, raw := range paths {
		item, info, err := r.locate(op, raw)
		if err != nil {
			reject(raw, item, err)
			continue
		}
		found = append(found, located{raw: raw, item: item, info: info})
		inputs[item.InputPath] = true
	}

	claimed := make(map[string]bool)
	for _, l := range found {
		item := l.item
		if err := checkClaims(item, inputs, claimed); err != nil {
			reject(l.raw, item, err)
			continue
		}
		claimed[item.InputPath] = true
		claimed[item.OutputPath] = true

		if err := r.prepare(ctx, op, &item, l.info); err != nil {
			reject(l.raw, item, err)
			continue
		}
		plan.Items = append(plan.Items, item)
		plan.Files += item.Files
		plan.Bytes += item.Bytes
	}
	return plan
}

// locate resolves raw to an absolute input of a supported kind and derives
// its output path. It never touches the output.
func (r *Runner) locate(op Operation, raw string) (Item, fs.FileInfo, error) {
	item := Item{Kind: KindUnknown, InputPath: raw}

	input, err := resolvePath(raw)
	if err != nil {
		return item, nil, err
	}
	item.InputPath = input

	info, err := lstat(r.fsys, input)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return item, nil, fmt.Errorf("%w: %s", ErrNotFound, input)
		}
		return item, nil, NewIOError("stat", input, err)
	}
	switch {
	case info.IsDir():
		item.Kind = KindDirectory
	case info.Mode().IsRegular():
		item.Kind = KindFile
	default:
		return item, nil, fmt.Errorf("%w: %s", ErrUnsupportedItem, input)
	}

	item.OutputPath = OutputPath(input, op)
	return item, info, nil
}

// checkClaims fails when item would write over an input of the run, or
// shares a path with an item accepted before it.
func checkClaims(item Item, inputs, claimed map[string]bool) error {
	switch {
	case inputs[item.OutputPath]:
		return fmt.Errorf("%w: %s is an input of this run", ErrOutputCollision, item.OutputPath)
	case claimed[item.InputPath]:
		return fmt.Errorf("%w: %s is already part of this run", ErrOutputCollision, item.InputPath)
	case claimed[item.OutputPath]:
		return fmt.Errorf("%w: %s is already part of this run", ErrOutputCollision, item.OutputPath)
	}
	return nil
}

// prepare snapshots the input and claims the output. The output is claimed
// last, once the input is known to be readable.
func (r *Runner) prepare(ctx context.Context, op Operation, item *Item, info fs.FileInfo) error {
	if item.Kind == KindDirectory {
		tree, err := BuildTree(ctx, r.fsys, item.InputPath, r.tree)
		if err != nil {
			return err
		}
		item.Tree = tree
		item.Files = EntryCount(tree)
		item.Bytes = TotalSize(tree)
		if op == OpDecrypt {
			r.discountDecrypt(item)
		}
	} else {
		item.Files = 1
		item.Bytes = info.Size()
		if op == OpDecrypt {
			item.Bytes = max(item.Bytes-HeaderSize, 0)
		}
	}
	return r.claimOutput(item.OutputPath)
}

// discountDecrypt removes the map entry and blob headers from the counts of
// an encrypted directory.
func (r *Runner) discountDecrypt(item *Item) {
	mapName := r.enc.NameFor(BootstrapKey)
	for _, child := range item.Tree.Children {
		if child.IsFile() && child.Name == mapName {
			item.Files--
			item.Bytes -= child.Size
			break
		}
	}
	item.Bytes = max(item.Bytes-int64(item.Files)*HeaderSize, 0)
}

func resolvePath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" || strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPath, raw, err)
	}
	return filepath.ToSlash(abs), nil
}

// claimOutput fails when out exists, unless Force is set, in which case the
// existing output is removed.
func (r *Runner) claimOutput(out string) error {
	_, err := r.fsys.Stat(out)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return NewIOError("stat", out, err)
	}
	if !r.opts.Force {
		return fmt.Errorf("%w: %s", ErrOutputCollision, out)
	}
	r.logger.Info("removing existing output", slog.String("path", out))
	if err := r.fsys.RemoveAll(out); err != nil {
		return NewIOError("remove", out, err)
	}
	return nil
}

// Execute processes the items of plan. Items run concurrently, bounded by
// ItemConcurrency; a failing item rolls back its own output only.
func (r *Runner) Execute(ctx context.Context, plan *Plan) *Report {
	report := &Report{Op: plan.Op, Files: plan.Files, Bytes: plan.Bytes}
	results := make([]ItemResult, len(plan.Items))

	var g errgroup.Group
	g.SetLimit(r.opts.ItemConcurrency)
	for i, item := range plan.Items {
		g.Go(func() error {
			r.logger.Info("processing item",
				slog.String("op", plan.Op.String()),
				slog.String("kind", item.Kind.String()),
				slog.String("path", item.InputPath))

			err := safeCall(func() error { return r.process(ctx, plan.Op, item) })
			if err != nil {
				err = &ItemError{Op: plan.Op.String(), Path: item.InputPath, Err: err}
				r.logger.Error("item failed", slog.String("path", item.InputPath), slog.Any("error", err))
			} else {
				r.logger.Info("item done", slog.String("path", item.InputPath), slog.String("output", item.OutputPath))
			}
			results[i] = ItemResult{Item: item, Err: err}
			return nil
		})
	}
	g.Wait()

	report.Results = append(append(report.Results, plan.Rejected...), results...)
	return report
}

func (r *Runner) process(ctx context.Context, op Operation, item Item) error {
	switch {
	case item.Kind == KindFile && op == OpEncrypt:
		return r.encryptFile(ctx, item)
	case item.Kind == KindFile && op == OpDecrypt:
		return r.decryptFile(ctx, item)
	case item.Kind == KindDirectory && op == OpEncrypt:
		return r.encryptDir(ctx, item)
	case item.Kind == KindDirectory && op == OpDecrypt:
		return r.decryptDir(ctx, item)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedItem, item.InputPath)
	}
}

func (r *Runner) encryptFile(ctx context.Context, item Item) error {
	if err := r.files.Acquire(ctx); err != nil {
		return err
	}
	defer r.files.Release()

	if _, err := r.transform(item.InputPath, item.OutputPath, r.enc.EncryptStream); err != nil {
		r.rollback(item.OutputPath)
		return err
	}
	r.notify(path.Base(item.InputPath), item.Bytes)
	return nil
}

func (r *Runner) decryptFile(ctx context.Context, item Item) error {
	if err := r.files.Acquire(ctx); err != nil {
		return err
	}
	defer r.files.Release()

	if err := r.validateFile(item.InputPath); err != nil {
		return err
	}
	n, err := r.transform(item.InputPath, item.OutputPath, r.enc.DecryptStream)
	if err != nil {
		r.rollback(item.OutputPath)
		return err
	}
	r.notify(path.Base(item.OutputPath), n)
	return nil
}

func (r *Runner) encryptDir(ctx context.Context, item Item) error {
	if err := r.fsys.MkdirAll(item.OutputPath, 0o755); err != nil {
		r.rollback(item.OutputPath)
		return NewIOError("mkdir", item.OutputPath, err)
	}
	if err := r.encryptTree(ctx, item); err != nil {
		r.rollback(item.OutputPath)
		return err
	}
	return nil
}

func (r *Runner) encryptTree(ctx context.Context, item Item) error {
	mapName := r.enc.NameFor(BootstrapKey)
	fm, err := NewFileMap(r.fsys, mapName, WithMapLogger(r.logger))
	if err != nil {
		return err
	}
	defer fm.Close()

	g, gctx := errgroup.WithContext(ctx)
	walkErr := item.Tree.Walk(func(n *Node) error {
		switch n.Kind {
		case KindDirectory:
			return nil
		case KindUnknown:
			r.logger.Warn("skipping unsupported entry", slog.String("path", n.Path))
			return nil
		}
		key := mapKey(n.Rel)
		name := r.enc.NameFor(key)
		return r.files.Go(gctx, g, func() error {
			if _, err := r.transform(n.Path, path.Join(item.OutputPath, name), r.enc.EncryptStream); err != nil {
				return err
			}
			if err := fm.AddEntry(key, name); err != nil {
				return err
			}
			r.logger.Debug("encrypted file", slog.String("path", n.Rel))
			r.notify(n.Rel, n.Size)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}

	src, err := fm.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = r.writeStream(path.Join(item.OutputPath, mapName), src, r.enc.EncryptStream)
	return err
}

func (r *Runner) decryptDir(ctx context.Context, item Item) error {
	if err := r.validateTree(ctx, item.Tree); err != nil {
		return err
	}

	mapPath := path.Join(item.InputPath, r.enc.NameFor(BootstrapKey))
	info, err := r.fsys.Stat(mapPath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrFileMapNotFound, item.InputPath)
	}

	if err := r.fsys.MkdirAll(item.OutputPath, 0o755); err != nil {
		r.rollback(item.OutputPath)
		return NewIOError("mkdir", item.OutputPath, err)
	}
	if err := r.decryptTree(ctx, item, mapPath); err != nil {
		r.rollback(item.OutputPath)
		return err
	}
	return nil
}

// validateTree checks the key against every leaf before anything is written.
func (r *Runner) validateTree(ctx context.Context, tree *Node) error {
	g, gctx := errgroup.WithContext(ctx)
	var goErr error
	for _, n := range Flatten(tree) {
		if goErr = r.validate.Go(gctx, g, func() error { return r.validateFile(n.Path) }); goErr != nil {
			break
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return goErr
}

func (r *Runner) validateFile(p string) error {
	f, err := r.fsys.Open(p)
	if err != nil {
		return NewIOError("open", p, err)
	}
	defer f.Close()
	return withPath(r.enc.Validate(f), p)
}

func (r *Runner) decryptTree(ctx context.Context, item Item, mapPath string) error {
	mf, err := r.fsys.Open(mapPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileMapNotFound, NewIOError("open", mapPath, err))
	}
	defer mf.Close()

	fm, err := LoadFileMap(r.fsys, r.enc.DecryptReader(mf), WithMapLogger(r.logger))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileMapNotFound, err)
	}
	defer fm.Close()

	g, gctx := errgroup.WithContext(ctx)
	iterErr := fm.ForEachEntry(func(plain, onDisk string) error {
		if plain == BootstrapKey {
			return nil
		}
		rel, ok := plainRel(plain)
		if !ok || !validDiskName(onDisk) {
			r.logger.Warn("skipping file map entry",
				slog.String("path", plain),
				slog.Any("error", ErrMalformedMapEntry))
			return nil
		}
		src := path.Join(item.InputPath, onDisk)
		dst := path.Join(item.OutputPath, rel)
		return r.files.Go(gctx, g, func() error {
			if err := r.fsys.MkdirAll(path.Dir(dst), 0o755); err != nil {
				return NewIOError("mkdir", path.Dir(dst), err)
			}
			n, err := r.transform(src, dst, r.enc.DecryptStream)
			if err != nil {
				return err
			}
			r.logger.Debug("decrypted file", slog.String("path", rel))
			r.notify(rel, n)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return iterErr
}

type streamFunc func(dst io.Writer, src io.Reader) (int64, error)

// transform streams the file at src through fn into a new file at dst
func (r *Runner) transform(src, dst string, fn streamFunc) (int64, error) {
	in, err := r.fsys.Open(src)
	if err != nil {
		return 0, NewIOError("open", src, err)
	}
	defer in.Close()

	n, err := r.writeStream(dst, in, fn)
	return n, withPath(err, src)
}

func (r *Runner) writeStream(dst string, src io.Reader, fn streamFunc) (int64, error) {
	out, err := r.fsys.Create(dst)
	if err != nil {
		return 0, NewIOError("create", dst, err)
	}

	n, err := fn(out, src)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = NewIOError("close", dst, cerr)
	}
	if err != nil && !IsEncryptionError(err) && !IsIOError(err) {
		err = NewIOError("write", dst, err)
	}
	return n, err
}

// rollback removes out. Failures are logged, never escalated.
func (r *Runner) rollback(out string) {
	if err := r.fsys.RemoveAll(out); err != nil {
		r.logger.Error("rollback failed", slog.String("path", out), slog.Any("error", err))
		return
	}
	r.logger.Debug("rolled back output", slog.String("path", out))
}

func (r *Runner) notify(p string, size int64) {
	if r.opts.OnFile != nil {
		r.opts.OnFile(p, size)
	}
}

// mapKey is the file map key of a tree-relative path. Keys are rooted at
// "/", which keeps them apart from BootstrapKey.
func mapKey(rel string) string {
	return "/" + rel
}

// plainRel turns a map key back into a relative output path. Keys that
// would escape the output root are rejected.
func plainRel(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", false
		}
	}
	rel := strings.TrimPrefix(path.Clean("/"+key), "/")
	return rel, rel != ""
}

func validDiskName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// withPath fills in the path of a cipher or I/O error that lacks one
func withPath(err error, p string) error {
	if err == nil {
		return nil
	}
	var ee *EncryptionError
	if errors.As(err, &ee) && ee.Path == "" {
		ee.Path = p
	}
	var ie *IOError
	if errors.As(err, &ie) && ie.Path == "" {
		ie.Path = p
	}
	return err
}
