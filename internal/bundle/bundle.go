// Package bundle packs a markdown document and its referenced attachments
// into a single zip blob and back. The zip uses the Store method so the
// storage backend sees one flat, uncompressed file.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Ext is the file-name extension marking a stored file as a bundle.
const Ext = ".zmd"

var ErrMalformedBundle = errors.New("malformed bundle")

// Attachment links embedded by the editor look like
// /uploads/upload_542a360ddefe1e21ad1b8c85207d9365.png
var referencePattern = regexp.MustCompile(`/uploads/upload_[0-9a-fA-F]{32}\.\w+`)

// Fetcher retrieves the bytes of one referenced attachment by its link path.
type Fetcher func(ctx context.Context, refPath string) ([]byte, error)

// References returns the unique attachment link paths found in the document
// text, in order of first appearance.
func References(text string) []string {
	seen := map[string]bool{}
	var refs []string
	for _, ref := range referencePattern.FindAllString(text, -1) {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

// IsBundleName reports whether a stored file name denotes a bundle.
func IsBundleName(name string) bool {
	return strings.EqualFold(path.Ext(name), Ext)
}

// Pack builds a bundle from the document text and every attachment it
// references. Attachments that cannot be fetched are logged and skipped; the
// document entry is always written last under docFileName.
func Pack(ctx context.Context, text, docFileName string, fetch Fetcher, logger *log.Logger) ([]byte, error) {
	if logger == nil {
		logger = log.Default()
	}
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, ref := range References(text) {
		data, err := fetch(ctx, ref)
		if err != nil {
			logger.Printf("msg=\"failed to fetch attachment\" path=%q error=%q", ref, err)
			continue
		}
		if err := writeStored(zw, path.Base(ref), data); err != nil {
			return nil, err
		}
	}
	if err := writeStored(zw, docFileName, []byte(text)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func writeStored(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("adding bundle entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing bundle entry %s: %w", name, err)
	}
	return nil
}

// Unpack extracts a bundle: non-document entries are staged under targetDir
// (skipped when targetDir is empty) and the single document entry's text is
// returned. A bundle without a document entry is malformed.
func Unpack(data []byte, targetDir string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	var doc []byte
	found := false
	for _, entry := range zr.File {
		content, err := readEntry(entry)
		if err != nil {
			return "", fmt.Errorf("%w: entry %s: %v", ErrMalformedBundle, entry.Name, err)
		}
		if strings.EqualFold(path.Ext(entry.Name), ".md") {
			doc = content
			found = true
			continue
		}
		if targetDir == "" {
			continue
		}
		// Base strips any path the archive may carry, keeping extraction
		// inside targetDir.
		dest := filepath.Join(targetDir, filepath.Base(entry.Name))
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return "", fmt.Errorf("staging attachment %s: %w", entry.Name, err)
		}
	}
	if !found {
		return "", fmt.Errorf("%w: no document entry", ErrMalformedBundle)
	}
	return string(doc), nil
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// RemoveStaged deletes the staged copies of every attachment the document
// references. Used after a closing save, once the attachments are durably
// inside the written bundle. Failures are logged, never fatal.
func RemoveStaged(text, targetDir string, logger *log.Logger) {
	if targetDir == "" {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	for _, ref := range References(text) {
		staged := filepath.Join(targetDir, filepath.Base(ref))
		if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Printf("msg=\"failed to delete staged attachment\" path=%q error=%q", staged, err)
		}
	}
}
