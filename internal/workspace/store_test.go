package workspace

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
)

const testID = "11111111-1111-1111-1111-111111111111"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

type testPart struct {
	field    string
	fileName string
	// emptyName sends filename="" instead of omitting the parameter.
	emptyName bool
	content   string
}

// multipartBody builds a multipart body with raw, unsanitized filenames.
func multipartBody(t *testing.T, parts []testPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disp := `form-data; name="` + p.field + `"`
		if p.fileName != "" || p.emptyName {
			disp += `; filename="` + p.fileName + `"`
		}
		h.Set("Content-Disposition", disp)
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		w.Write([]byte(p.content))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.Boundary()
}

func upload(t *testing.T, s *Store, id string, parts []testPart) (int, error) {
	t.Helper()
	body, boundary := multipartBody(t, parts)
	return s.HandleUpload(context.Background(), id, multipart.NewReader(body, boundary))
}

func TestNewStoreCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	s, err := NewStore(root)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if info, err := os.Stat(s.Root()); err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestNewStoreRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	os.WriteFile(f, []byte("x"), 0644)
	if _, err := NewStore(f); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestEnsureDirectoryIdempotent(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.EnsureDirectory(testID)
	if err != nil {
		t.Fatalf("EnsureDirectory: %v", err)
	}
	if dir != filepath.Join(s.Root(), testID) {
		t.Errorf("unexpected dir %s", dir)
	}
	if _, err := s.EnsureDirectory(testID); err != nil {
		t.Fatalf("second EnsureDirectory: %v", err)
	}
}

func TestListMissingWorkspace(t *testing.T) {
	s := newTestStore(t)
	files, err := s.List(testID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if files == nil || len(files) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", files)
	}
}

func TestRemoveAllMissingWorkspace(t *testing.T) {
	s := newTestStore(t)
	if err := s.RemoveAll(testID); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	files, err := s.List(testID)
	if err != nil || len(files) != 0 {
		t.Fatalf("expected empty list after remove, got %v, %v", files, err)
	}
}

func TestUploadThenList(t *testing.T) {
	s := newTestStore(t)
	parts := []testPart{
		{field: "chat_id", content: testID},
		{field: "files", fileName: "report.csv", content: "a,b\n1,2\n"},
		{field: "files", fileName: "notes.txt", content: "hello"},
		{field: "files", fileName: "image.png", content: "\x89PNG"},
	}
	n, err := upload(t, s, testID, parts)
	if err != nil {
		t.Fatalf("HandleUpload: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 files, got %d", n)
	}

	files, err := s.List(testID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]string{
		"report.csv": "text/csv",
		"notes.txt":  "text/plain",
		"image.png":  "image/png",
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %v", len(want), files)
	}
	for _, f := range files {
		if want[f.FileName] != f.MimeType {
			t.Errorf("file %s: mime %q, want %q", f.FileName, f.MimeType, want[f.FileName])
		}
		if f.Workspace != testID {
			t.Errorf("file %s: workspace %q", f.FileName, f.Workspace)
		}
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(testID), "notes.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("notes.txt content %q, err %v", data, err)
	}
}

func TestUploadOverwrites(t *testing.T) {
	s := newTestStore(t)
	upload(t, s, testID, []testPart{{field: "f", fileName: "a.txt", content: "first"}})
	upload(t, s, testID, []testPart{{field: "f", fileName: "a.txt", content: "second"}})

	data, _ := os.ReadFile(filepath.Join(s.Dir(testID), "a.txt"))
	if string(data) != "second" {
		t.Fatalf("expected last writer to win, got %q", data)
	}
}

func TestUploadRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	n, err := upload(t, s, testID, []testPart{
		{field: "f", fileName: "../../etc/passwd", content: "root:x:0:0"},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 files written, got %d", n)
	}

	// Nothing named passwd anywhere under the temp tree.
	base := filepath.Dir(s.Root())
	filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			t.Errorf("unexpected file %s", path)
		}
		return nil
	})
}

func TestUploadStopsAtInvalidName(t *testing.T) {
	s := newTestStore(t)
	n, err := upload(t, s, testID, []testPart{
		{field: "f", fileName: "ok.txt", content: "ok"},
		{field: "f", fileName: "sub/evil.txt", content: "evil"},
		{field: "f", fileName: "never.txt", content: "never"},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 file before failure, got %d", n)
	}
	files, _ := s.List(testID)
	if len(files) != 1 || files[0].FileName != "ok.txt" {
		t.Fatalf("unexpected files %v", files)
	}
}

func TestUploadCancelled(t *testing.T) {
	s := newTestStore(t)
	body, boundary := multipartBody(t, []testPart{{field: "f", fileName: "a.txt", content: "a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.HandleUpload(ctx, testID, multipart.NewReader(body, boundary))
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Fatalf("expected cancellation, got %d, %v", n, err)
	}
}

func TestResolveFile(t *testing.T) {
	s := newTestStore(t)
	p, err := s.ResolveFile(testID, "notes.txt")
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}
	if p != filepath.Join(s.Root(), testID, "notes.txt") {
		t.Errorf("unexpected path %s", p)
	}
	if _, err := s.ResolveFile(testID, ".."); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for .., got %v", err)
	}
}

func TestListSkipsDirectories(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.EnsureDirectory(testID)
	os.Mkdir(filepath.Join(dir, "nested"), 0755)
	os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0644)

	files, err := s.List(testID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 || files[0].FileName != "a.txt" || files[1].FileName != "b.txt" {
		t.Fatalf("unexpected listing %v", files)
	}
}

func TestUploadRejectsEmptyFilename(t *testing.T) {
	s := newTestStore(t)
	n, err := upload(t, s, testID, []testPart{
		{field: "f", fileName: "ok.txt", content: "ok"},
		{field: "f", emptyName: true, content: "dropped"},
		{field: "f", fileName: "never.txt", content: "never"},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 file before the empty name, got %d", n)
	}
	files, _ := s.List(testID)
	if len(files) != 1 || files[0].FileName != "ok.txt" {
		t.Errorf("unexpected files %v", files)
	}
}
