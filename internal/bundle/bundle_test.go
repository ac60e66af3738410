package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const (
	refPNG = "/uploads/upload_542a360ddefe1e21ad1b8c85207d9365.png"
	refJPG = "/uploads/upload_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.jpg"
)

func TestReferences(t *testing.T) {
	text := "# Doc\n" +
		"![a](" + refPNG + ")\n" +
		"![a again](" + refPNG + ")\n" +
		"![b](" + refJPG + ")\n" +
		"not a ref: /uploads/upload_short.png\n"
	refs := References(text)
	if len(refs) != 2 {
		t.Fatalf("expected 2 unique references, got %v", refs)
	}
	if refs[0] != refPNG || refs[1] != refJPG {
		t.Fatalf("unexpected references: %v", refs)
	}
}

func TestReferencesNone(t *testing.T) {
	if refs := References("# plain doc, no links"); len(refs) != 0 {
		t.Fatalf("expected no references, got %v", refs)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	text := "# Doc with image\n![img](" + refPNG + ")\n"
	fetch := func(ctx context.Context, ref string) ([]byte, error) {
		if ref != refPNG {
			return nil, fmt.Errorf("unexpected ref %s", ref)
		}
		return []byte("png-bytes"), nil
	}
	data, err := Pack(context.Background(), text, "doc.md", fetch, nil)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}

	dir := t.TempDir()
	got, err := Unpack(data, dir)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if got != text {
		t.Fatalf("document text not byte-identical after round trip:\ngot  %q\nwant %q", got, text)
	}
	staged, err := os.ReadFile(filepath.Join(dir, "upload_542a360ddefe1e21ad1b8c85207d9365.png"))
	if err != nil {
		t.Fatalf("staged attachment missing: %v", err)
	}
	if string(staged) != "png-bytes" {
		t.Fatalf("staged attachment corrupted: %q", staged)
	}
}

func TestPackUsesStoreMethod(t *testing.T) {
	data, err := Pack(context.Background(), "# no attachments", "doc.md", nil, nil)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("pack did not produce a zip: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("expected only the document entry, got %d entries", len(zr.File))
	}
	if zr.File[0].Method != zip.Store {
		t.Fatalf("expected Store method, got %d", zr.File[0].Method)
	}
	if zr.File[0].Name != "doc.md" {
		t.Fatalf("expected doc.md entry, got %s", zr.File[0].Name)
	}
}

func TestPackSkipsMissingAttachment(t *testing.T) {
	text := "![a](" + refPNG + ")\n![b](" + refJPG + ")\n"
	fetch := func(ctx context.Context, ref string) ([]byte, error) {
		if ref == refPNG {
			return nil, errors.New("gone")
		}
		return []byte("jpg-bytes"), nil
	}
	data, err := Pack(context.Background(), text, "doc.md", fetch, nil)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("reading bundle: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if names["upload_542a360ddefe1e21ad1b8c85207d9365.png"] {
		t.Fatal("missing attachment should have been skipped")
	}
	if !names["upload_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.jpg"] || !names["doc.md"] {
		t.Fatalf("expected remaining attachment and document, got %v", names)
	}
}

func TestUnpackWithoutDocumentEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, _ := zw.Create("upload_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.jpg")
	_, _ = w.Write([]byte("jpg"))
	_ = zw.Close()

	if _, err := Unpack(buf.Bytes(), t.TempDir()); !errors.Is(err, ErrMalformedBundle) {
		t.Fatalf("expected ErrMalformedBundle, got %v", err)
	}
}

func TestUnpackNotAZip(t *testing.T) {
	if _, err := Unpack([]byte("# just markdown"), ""); !errors.Is(err, ErrMalformedBundle) {
		t.Fatalf("expected ErrMalformedBundle, got %v", err)
	}
}

func TestUnpackStripsEntryPaths(t *testing.T) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, _ := zw.Create("../escape/upload_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.jpg")
	_, _ = w.Write([]byte("jpg"))
	doc, _ := zw.Create("doc.md")
	_, _ = io.WriteString(doc, "# doc")
	_ = zw.Close()

	dir := t.TempDir()
	if _, err := Unpack(buf.Bytes(), dir); err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "upload_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.jpg")); err != nil {
		t.Fatalf("attachment not staged inside target dir: %v", err)
	}
}

func TestRemoveStaged(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "upload_542a360ddefe1e21ad1b8c85207d9365.png")
	if err := os.WriteFile(staged, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	RemoveStaged("![a]("+refPNG+")", dir, nil)
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staged attachment should be gone, got %v", err)
	}
	// absent files are fine
	RemoveStaged("![a]("+refPNG+")", dir, nil)
}

func TestIsBundleName(t *testing.T) {
	if !IsBundleName("report.zmd") || !IsBundleName("REPORT.ZMD") {
		t.Fatal("expected .zmd names to be bundles")
	}
	if IsBundleName("report.md") || IsBundleName("zmd") {
		t.Fatal("expected non-.zmd names to not be bundles")
	}
}
