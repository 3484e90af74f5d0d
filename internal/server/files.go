package server

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/probing-io/probing/internal/extension"
	"github.com/probing-io/probing/internal/proto"
)

// FilesExtension serves file contents over the command channel: the
// /files endpoint for explicit reads and /static/ plus /favicon.ico for
// the bundled UI assets. Requested paths resolve against a whitelist of
// base directories.
type FilesExtension struct {
	options *extension.OptionSet

	// AllowedDirs are the base directories /files may read from.
	AllowedDirs []string
	// StaticDir backs /static/ and /favicon.ico.
	StaticDir string
	// MaxFileSize caps the size of any served file.
	MaxFileSize int64
}

// NewFilesExtension builds the file-serving extension.
func NewFilesExtension(allowedDirs []string, staticDir string, maxFileSize int64) *FilesExtension {
	if maxFileSize <= 0 {
		maxFileSize = 10 * 1024 * 1024
	}
	f := &FilesExtension{
		AllowedDirs: allowedDirs,
		StaticDir:   staticDir,
		MaxFileSize: maxFileSize,
	}
	f.options = extension.NewOptionSet(
		extension.OptionDecl{
			Key:      "server.files.max_size",
			Default:  strconv.FormatInt(f.MaxFileSize, 10),
			Help:     "per-file size cap for the file endpoint",
			ReadOnly: true,
		},
	)
	return f
}

// Name implements extension.Extension.
func (f *FilesExtension) Name() string { return "files" }

// Options implements extension.Extension.
func (f *FilesExtension) Options() []extension.OptionDecl { return f.options.Decls() }

// GetOption implements extension.Extension.
func (f *FilesExtension) GetOption(key string) (string, error) { return f.options.Get(key) }

// SetOption implements extension.Extension.
func (f *FilesExtension) SetOption(key, value string) error {
	_, err := f.options.Set(key, value)
	return err
}

// Match implements extension.Caller.
func (f *FilesExtension) Match(path string) bool {
	return path == "/files" || path == "/favicon.ico" || strings.HasPrefix(path, "/static/")
}

// Call implements extension.Caller.
func (f *FilesExtension) Call(ctx context.Context, path string, params map[string]string, body []byte) ([]byte, error) {
	switch {
	case path == "/files":
		return f.readWhitelisted(params["path"])
	case path == "/favicon.ico":
		return f.readStatic("favicon.ico")
	default:
		return f.readStatic(strings.TrimPrefix(path, "/static/"))
	}
}

// readWhitelisted resolves the requested path against the allowed base
// directories.
func (f *FilesExtension) readWhitelisted(requested string) ([]byte, error) {
	if requested == "" {
		return nil, proto.Errorf(proto.CatBadRequest, "missing path parameter")
	}
	if strings.ContainsRune(requested, 0) {
		return nil, proto.Errorf(proto.CatBadRequest, "path contains NUL byte")
	}
	abs, err := filepath.Abs(requested)
	if err != nil {
		return nil, proto.Errorf(proto.CatBadRequest, "unresolvable path: %v", err)
	}
	allowed := false
	for _, dir := range f.AllowedDirs {
		base, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if abs == base || strings.HasPrefix(abs, base+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, proto.Errorf(proto.CatForbidden, "path outside allowed directories")
	}
	return f.read(abs)
}

func (f *FilesExtension) readStatic(name string) ([]byte, error) {
	if f.StaticDir == "" {
		return nil, proto.Errorf(proto.CatNotFound, "no static assets configured")
	}
	if strings.ContainsRune(name, 0) {
		return nil, proto.Errorf(proto.CatBadRequest, "path contains NUL byte")
	}
	clean := filepath.Clean("/" + name)
	return f.read(filepath.Join(f.StaticDir, clean))
}

func (f *FilesExtension) read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, proto.Errorf(proto.CatNotFound, "stat %s: %v", path, err)
	}
	if info.IsDir() {
		return nil, proto.Errorf(proto.CatBadRequest, "%s is a directory", path)
	}
	if info.Size() > f.MaxFileSize {
		return nil, proto.Errorf(proto.CatBadRequest,
			"file %s exceeds size cap %d", path, f.MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, proto.Errorf(proto.CatRuntimeFault, "read %s: %v", path, err)
	}
	return data, nil
}
