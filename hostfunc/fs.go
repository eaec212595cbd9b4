package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by the guest (e.g., "/downloads")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

// DownloadsPath is the mount that receives saved files when no save dialog
// is available.
const DownloadsPath = "/downloads"

const DefaultMaxFileSize = 10 << 20 // 10MB

var (
	// ErrCancelled is returned by dialogs the user dismissed.
	ErrCancelled = errors.New("cancelled")
	// ErrNoPicker means no file picker is attached to the host.
	ErrNoPicker = errors.New("no file picker available")
)

// Picker lets the user choose a file to hand to the guest.
type Picker interface {
	PickFile(ctx context.Context, dir string, exts []string) (string, error)
}

// SaveDialog lets the user choose where a guest-produced file goes.
type SaveDialog interface {
	SaveFile(ctx context.Context, dir, suggested string, exts []string) (string, error)
}

type FilesConfig struct {
	Mounts      []Mount
	MaxFileSize int64
	Picker      Picker
	SaveDialog  SaveDialog
}

// Files is the file access bridge: a picker-driven load flow and a save flow
// that falls back to the downloads mount.
type Files struct {
	mounts      []Mount
	maxFileSize int64
	picker      Picker
	saver       SaveDialog
	loop        *Loop
	values      *Values
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	now         func() time.Time
}

func NewFiles(cfg FilesConfig, loop *Loop, values *Values, log *zap.Logger) *Files {
	normalized := make([]Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode})
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if log == nil {
		log = Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Files{
		mounts:      normalized,
		maxFileSize: cfg.MaxFileSize,
		picker:      cfg.Picker,
		saver:       cfg.SaveDialog,
		loop:        loop,
		values:      values,
		log:         log.Named("files"),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
}

// Load shows the picker and transfers the chosen file into guest memory
// with one pre-allocate cycle. onLoad receives the placed bytes, the
// modification time and a handle to the file name. A dismissed picker is
// reported as StatusStreamEnded.
func (f *Files) Load(accept []string, sink Sink, onLoad LoadFunc, userdata uint32) {
	post := f.loop.Reserve()
	exts := AcceptExtensions(accept)

	go func() {
		file, err := f.pick(exts)
		if err != nil {
			status := StatusException
			if errors.Is(err, ErrCancelled) {
				status = StatusStreamEnded
			} else {
				f.log.Error("load failed", zap.Error(err))
			}
			post(func() { onLoad(LoadResult{Status: status}, userdata) })
			return
		}

		post(func() {
			ptr, err := place(sink, file.contents)
			if err != nil {
				f.log.Error("load transfer failed", zap.String("name", file.name), zap.Error(err))
				onLoad(LoadResult{Status: StatusException}, userdata)
				return
			}
			onLoad(LoadResult{
				Status:       StatusSuccess,
				Ptr:          ptr,
				Len:          uint32(len(file.contents)),
				LastModified: file.modified.UnixMilli(),
				Name:         f.values.Create(Bytes(file.name)),
			}, userdata)
		})
	}()
}

type pickedFile struct {
	name     string
	contents []byte
	modified time.Time
}

func (f *Files) pick(exts []string) (*pickedFile, error) {
	if f.picker == nil {
		return nil, ErrNoPicker
	}
	hostPath, err := f.picker.PickFile(f.ctx, f.startDir(), exts)
	if err != nil {
		return nil, err
	}
	hostPath, err = filepath.Abs(hostPath)
	if err != nil {
		return nil, errors.New("invalid path")
	}
	if f.mountFor(hostPath) == nil {
		return nil, errors.New("permission denied: path not in any mount")
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, fmt.Errorf("stat error: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("not a file: " + hostPath)
	}
	if info.Size() > f.maxFileSize {
		return nil, errors.New("file exceeds max size")
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return &pickedFile{name: info.Name(), contents: data, modified: info.ModTime()}, nil
}

// Save writes contents under name. With a save dialog the user picks the
// destination; without one the file lands in the downloads mount. An empty
// name defaults to the current unix time and an empty mime type is
// detected from the contents.
func (f *Files) Save(contents []byte, name, mime string, types []string, onSaved StatusFunc, userdata uint32) {
	post := f.loop.Reserve()
	data := bytes.Clone(contents)

	go func() {
		status := f.save(data, name, mime, types)
		post(func() { onSaved(status, userdata) })
	}()
}

func (f *Files) save(data []byte, name, mime string, types []string) Status {
	name = f.suggestName(data, name, mime)

	var target string
	if f.saver != nil {
		p, err := f.saver.SaveFile(f.ctx, f.startDir(), name, AcceptExtensions(types))
		if errors.Is(err, ErrCancelled) {
			return StatusStreamEnded
		}
		if err != nil {
			f.log.Error("save dialog failed", zap.String("name", name), zap.Error(err))
			return StatusException
		}
		p, err = f.saveTarget(p)
		if err != nil {
			f.log.Error("save target rejected", zap.String("name", name), zap.Error(err))
			return StatusException
		}
		target = p
	} else {
		p, err := f.downloadPath(name)
		if err != nil {
			f.log.Error("download fallback failed", zap.String("name", name), zap.Error(err))
			return StatusException
		}
		target = p
	}

	if err := os.WriteFile(target, data, 0644); err != nil {
		f.log.Error("write error", zap.String("path", target), zap.Error(err))
		return StatusException
	}
	f.log.Debug("file saved", zap.String("path", target), zap.Int("size", len(data)))
	return StatusSuccess
}

// saveTarget checks a dialog-chosen path against the mounts the same way
// downloads are checked: inside a writable mount, and a create mount when
// the file is new.
func (f *Files) saveTarget(hostPath string) (string, error) {
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return "", errors.New("invalid path")
	}
	m := f.mountFor(abs)
	if m == nil {
		return "", errors.New("permission denied: path not in any mount")
	}
	if m.Mode == MountReadOnly {
		return "", errors.New("permission denied: read-only mount")
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) && m.Mode != MountReadWriteCreate {
		return "", errors.New("permission denied: cannot create new files")
	}
	return abs, nil
}

func (f *Files) suggestName(data []byte, name, mime string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		name = strconv.FormatInt(f.now().Unix(), 10)
	}
	if filepath.Ext(name) != "" {
		return name
	}

	var ext string
	if mime != "" {
		if m := mimetype.Lookup(mime); m != nil {
			ext = m.Extension()
		}
	}
	if ext == "" {
		ext = mimetype.Detect(data).Extension()
	}
	return name + ext
}

// downloadPath picks a fresh file name inside the downloads mount, adding a
// " (n)" suffix when the name is taken.
func (f *Files) downloadPath(name string) (string, error) {
	mount := f.findMount(DownloadsPath)
	if mount == nil {
		return "", errors.New("no downloads mount")
	}
	if mount.Mode != MountReadWriteCreate {
		return "", errors.New("permission denied: cannot create new files")
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; i <= 100; i++ {
		hostPath, err := f.resolve(path.Join(DownloadsPath, candidate), true)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(hostPath); os.IsNotExist(err) {
			return hostPath, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	return "", errors.New("too many files named " + name)
}

// resolve maps a virtual path to a host path, checking permissions.
func (f *Files) resolve(virtualPath string, needWrite bool) (string, error) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for _, m := range f.mounts {
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", errors.New("permission denied: read-only mount")
		}

		rel := strings.TrimPrefix(vp, m.VirtualPath)
		if rel == "" {
			rel = "/"
		}
		abs, err := filepath.Abs(filepath.Join(m.HostPath, rel))
		if err != nil {
			return "", errors.New("invalid path")
		}
		if abs != m.HostPath && !strings.HasPrefix(abs, m.HostPath+string(filepath.Separator)) {
			return "", errors.New("permission denied: path escape attempt")
		}
		return abs, nil
	}

	return "", errors.New("permission denied: path not in any mount")
}

func (f *Files) startDir() string {
	if len(f.mounts) > 0 {
		return f.mounts[0].HostPath
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// mountFor returns the mount containing hostPath.
func (f *Files) mountFor(hostPath string) *Mount {
	for i := range f.mounts {
		m := &f.mounts[i]
		if hostPath == m.HostPath || strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
			return m
		}
	}
	return nil
}

// findMount finds the mount for a given virtual path.
func (f *Files) findMount(virtualPath string) *Mount {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			return m
		}
	}
	return nil
}

// Close dismisses any open dialog.
func (f *Files) Close() {
	f.cancel()
}

// AcceptExtensions normalises an accept list of extensions (".png") and
// MIME types ("image/png") into lower-case extensions. A nil result means no
// filtering, which is also what wildcards like "image/*" produce.
func AcceptExtensions(accept []string) []string {
	var exts []string
	for _, a := range accept {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "":
		case strings.HasPrefix(a, "."):
			exts = append(exts, a)
		case strings.HasSuffix(a, "/*"):
			return nil
		case strings.Contains(a, "/"):
			if m := mimetype.Lookup(a); m != nil && m.Extension() != "" {
				exts = append(exts, m.Extension())
			}
		default:
			exts = append(exts, "."+a)
		}
	}
	return exts
}
