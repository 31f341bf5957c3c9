package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

var (
	ErrSourceMissing     = errors.New("source file missing")
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// ContextDir is the project sub-directory all ingested files land in.
const ContextDir = "context"

const (
	spaceHeadroomBytes = 1 << 20
	maxCollisionProbes = 1000
)

// StoreResult describes where a source file ended up inside the project.
type StoreResult struct {
	StoredFilename string
	RelativePath   string
	SizeBytes      int64
}

type Writer struct {
	log zerolog.Logger
}

func NewWriter(logger *zerolog.Logger) *Writer {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Writer{log: log}
}

// Store copies sourcePath into <projectRoot>/context/ under a sanitized
// name and returns the stored name, its project-relative path, and the byte
// size. The copy is atomic: the destination either holds the full content
// or does not exist. If a file with identical content already sits at the
// destination it is reused; a different file with the same name gets a
// numeric suffix.
func (w *Writer) Store(projectRoot, sourcePath string) (StoreResult, error) {
	if strings.TrimSpace(projectRoot) == "" {
		return StoreResult{}, errors.New("project root is required")
	}
	if strings.TrimSpace(sourcePath) == "" {
		return StoreResult{}, errors.New("source path is required")
	}
	info, err := os.Stat(sourcePath)
	if errors.Is(err, os.ErrNotExist) {
		return StoreResult{}, errors.Errorf("%w: %s", ErrSourceMissing, sourcePath)
	}
	if err != nil {
		return StoreResult{}, errors.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return StoreResult{}, errors.Errorf("source is a directory: %s", sourcePath)
	}

	contextDir := filepath.Join(projectRoot, ContextDir)
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return StoreResult{}, errors.Errorf("create context dir: %w", err)
	}
	if err := checkFreeSpace(contextDir, info.Size()); err != nil {
		return StoreResult{}, err
	}

	name := SanitizeFilename(filepath.Base(sourcePath))
	finalName, reused, err := resolveCollision(contextDir, name, sourcePath, info.Size())
	if err != nil {
		return StoreResult{}, err
	}
	if reused {
		w.log.Debug().Str("file", finalName).Msg("destination has identical content, reusing")
	} else {
		if err := copyFileAtomic(sourcePath, filepath.Join(contextDir, finalName)); err != nil {
			return StoreResult{}, err
		}
		w.log.Debug().Str("source", sourcePath).Str("file", finalName).Msg("stored context file")
	}
	return StoreResult{
		StoredFilename: finalName,
		RelativePath:   path.Join(ContextDir, finalName),
		SizeBytes:      info.Size(),
	}, nil
}

// SanitizeFilename slugifies the stem and lowercases the extension:
// "My File (1).CSV" becomes "my-file-1.csv".
func SanitizeFilename(name string) string {
	rawExt := filepath.Ext(name)
	stem := strings.TrimSuffix(name, rawExt)
	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '-' })
	slug := strings.Join(parts, "-")
	if slug == "" {
		slug = "file"
	}
	return slug + strings.ToLower(rawExt)
}

// resolveCollision picks the destination filename. An existing file with
// the same content hash is reused as-is; otherwise -2, -3, ... suffixes are
// probed until a free or identical slot is found.
func resolveCollision(dir, name, sourcePath string, sourceSize int64) (string, bool, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	sourceHash := ""
	candidate := name
	for i := 1; i <= maxCollisionProbes; i++ {
		dest := filepath.Join(dir, candidate)
		destInfo, err := os.Stat(dest)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, false, nil
		}
		if err != nil {
			return "", false, errors.Errorf("stat destination: %w", err)
		}
		if destInfo.Size() == sourceSize {
			if sourceHash == "" {
				sourceHash, err = fileSHA256(sourcePath)
				if err != nil {
					return "", false, err
				}
			}
			destHash, err := fileSHA256(dest)
			if err != nil {
				return "", false, err
			}
			if destHash == sourceHash {
				return candidate, true, nil
			}
		}
		candidate = stem + "-" + strconv.Itoa(i+1) + ext
	}
	return "", false, errors.Errorf("no free destination name for %s after %d probes", name, maxCollisionProbes)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFileAtomic(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return errors.Errorf("open source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return errors.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return errors.Errorf("copy content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return errors.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return errors.Errorf("rename into place: %w", err)
	}
	tmpPath = ""
	return nil
}
