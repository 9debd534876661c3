package imageprocessor

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
)

// Materialize writes an uploaded image to a temporary file in dir (the
// system temp dir when empty). The suffix follows the upload's extension,
// defaulting to .jpg. The returned cleanup removes the file and is safe to
// call more than once; callers should defer it immediately.
func Materialize(dir, filename string, data []byte) (string, func(), error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}

	f, err := os.CreateTemp(dir, "upload-*"+ext)
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() {
		_ = os.Remove(path)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}
	return path, cleanup, nil
}

// DecodeFile decodes the image stored at path.
func DecodeFile(path string) (image.Image, ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
