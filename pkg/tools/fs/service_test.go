package fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pincer/pkg/workspace"
)

func newTestService(t *testing.T) (*Service, *workspace.Guard) {
	t.Helper()

	guard, err := workspace.NewGuard(t.TempDir())
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	return NewService(guard), guard
}

func seedFile(t *testing.T, guard *workspace.Guard, name string, data []byte) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(guard.Root(), name), data, 0o600); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func TestWriteAppendReadRoundTrip(t *testing.T) {
	service, guard := newTestService(t)
	ctx := context.Background()

	writeResult, err := service.WriteFile(ctx, "notes/draft.txt", "hello")
	if err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if writeResult.BytesWritten != 5 {
		t.Fatalf("BytesWritten = %d, want 5", writeResult.BytesWritten)
	}

	appendResult, err := service.AppendFile(ctx, "notes/draft.txt", " world")
	if err != nil {
		t.Fatalf("AppendFile error: %v", err)
	}
	if appendResult.BytesAppended != 6 {
		t.Fatalf("BytesAppended = %d, want 6", appendResult.BytesAppended)
	}
	if appendResult.Size != 11 {
		t.Fatalf("Size after append = %d, want 11", appendResult.Size)
	}

	readResult, err := service.ReadFile(ctx, "notes/draft.txt")
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if readResult.Content != "hello world" {
		t.Fatalf("ReadFile content = %q, want %q", readResult.Content, "hello world")
	}

	if rel := guard.RelPath(readResult.Path); rel != filepath.Join("notes", "draft.txt") {
		t.Fatalf("RelPath = %q, want %q", rel, filepath.Join("notes", "draft.txt"))
	}
}

func TestWriteFileCreatesMissingParents(t *testing.T) {
	service, guard := newTestService(t)

	if _, err := service.WriteFile(context.Background(), "a/b/c/deep.txt", "x"); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	info, err := os.Stat(filepath.Join(guard.Root(), "a", "b", "c"))
	if err != nil || !info.IsDir() {
		t.Fatalf("parent directory missing: %v", err)
	}
}

func TestReadFileErrors(t *testing.T) {
	service, guard := newTestService(t)
	seedFile(t, guard, "bin.dat", []byte{0x00, 0x01, 0x02})

	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "missing file", path: "missing.txt", want: workspace.ErrorPathNotFound},
		{name: "binary content", path: "bin.dat", want: workspace.ErrorIO},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.ReadFile(context.Background(), tc.path)
			if got := workspace.CategoryFromError(err); got != tc.want {
				t.Fatalf("error category = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReadFileHonorsSizeLimit(t *testing.T) {
	service, guard := newTestService(t)
	service.maxReadBytes = 4
	seedFile(t, guard, "big.txt", []byte("12345"))

	_, err := service.ReadFile(context.Background(), "big.txt")
	if workspace.CategoryFromError(err) != workspace.ErrorIO {
		t.Fatalf("error category = %q, want %q", workspace.CategoryFromError(err), workspace.ErrorIO)
	}
}

func TestEditFile(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.WriteFile(ctx, "edit.txt", "a b a"); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	t.Run("old text missing", func(t *testing.T) {
		_, err := service.EditFile(ctx, "edit.txt", "zzz", "x", false)
		if workspace.CategoryFromError(err) != workspace.ErrorEditNotFound {
			t.Fatalf("error category = %q, want %q", workspace.CategoryFromError(err), workspace.ErrorEditNotFound)
		}
	})

	t.Run("multiple matches without replace all", func(t *testing.T) {
		_, err := service.EditFile(ctx, "edit.txt", "a", "x", false)
		if workspace.CategoryFromError(err) != workspace.ErrorAmbiguousEdit {
			t.Fatalf("error category = %q, want %q", workspace.CategoryFromError(err), workspace.ErrorAmbiguousEdit)
		}
	})

	t.Run("replace all rewrites every match", func(t *testing.T) {
		result, err := service.EditFile(ctx, "edit.txt", "a", "x", true)
		if err != nil {
			t.Fatalf("EditFile error: %v", err)
		}
		if result.ReplacedCount != 2 {
			t.Fatalf("ReplacedCount = %d, want 2", result.ReplacedCount)
		}

		readBack, err := service.ReadFile(ctx, "edit.txt")
		if err != nil {
			t.Fatalf("ReadFile error: %v", err)
		}
		if readBack.Content != "x b x" {
			t.Fatalf("content after edit = %q, want %q", readBack.Content, "x b x")
		}
	})

	t.Run("unique match replaces once", func(t *testing.T) {
		result, err := service.EditFile(ctx, "edit.txt", "b", "mid", false)
		if err != nil {
			t.Fatalf("EditFile error: %v", err)
		}
		if result.ReplacedCount != 1 {
			t.Fatalf("ReplacedCount = %d, want 1", result.ReplacedCount)
		}
	})
}

func TestEditFileRejectsBinarySource(t *testing.T) {
	service, guard := newTestService(t)
	seedFile(t, guard, "bin.dat", []byte{0x7f, 0x00, 0x01})

	_, err := service.EditFile(context.Background(), "bin.dat", "a", "b", false)
	if workspace.CategoryFromError(err) != workspace.ErrorIO {
		t.Fatalf("error category = %q, want %q", workspace.CategoryFromError(err), workspace.ErrorIO)
	}
}

func TestWriteAndAppendEnforceSizeLimit(t *testing.T) {
	service, _ := newTestService(t)
	service.maxWriteBytes = 8
	oversized := strings.Repeat("x", 9)

	ops := []struct {
		name string
		run  func() error
	}{
		{name: "write", run: func() error {
			_, err := service.WriteFile(context.Background(), "too-big.txt", oversized)
			return err
		}},
		{name: "append", run: func() error {
			_, err := service.AppendFile(context.Background(), "too-big.txt", oversized)
			return err
		}},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			if got := workspace.CategoryFromError(op.run()); got != workspace.ErrorIO {
				t.Fatalf("error category = %q, want %q", got, workspace.ErrorIO)
			}
		})
	}
}

func TestListDirSortsAndTruncates(t *testing.T) {
	service, guard := newTestService(t)
	service.maxListEntries = 2

	for _, name := range []string{"beta.txt", "alpha.txt", "gamma.txt"} {
		seedFile(t, guard, name, []byte("x"))
	}
	if err := os.Mkdir(filepath.Join(guard.Root(), "zsub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	result, err := service.ListDir(context.Background(), ".")
	if err != nil {
		t.Fatalf("ListDir error: %v", err)
	}

	if !result.Truncated {
		t.Fatal("expected truncated list")
	}
	if result.Total != 4 {
		t.Fatalf("Total = %d, want 4", result.Total)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("entries len = %d, want 2", len(result.Entries))
	}
	if result.Entries[0].Name != "alpha.txt" || result.Entries[1].Name != "beta.txt" {
		t.Fatalf("entries order = %q, %q, want alpha.txt, beta.txt", result.Entries[0].Name, result.Entries[1].Name)
	}
	if result.Entries[0].Type != "file" || result.Entries[0].IsDir {
		t.Fatalf("entry metadata = %+v, want regular file", result.Entries[0])
	}
}

func TestListDirReportsDirectoryEntries(t *testing.T) {
	service, guard := newTestService(t)

	if err := os.Mkdir(filepath.Join(guard.Root(), "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	result, err := service.ListDir(context.Background(), "")
	if err != nil {
		t.Fatalf("ListDir error: %v", err)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("entries len = %d, want 1", len(result.Entries))
	}
	if entry := result.Entries[0]; entry.Name != "sub" || entry.Type != "dir" || !entry.IsDir {
		t.Fatalf("entry = %+v, want directory sub", entry)
	}
}

func TestServiceRespectsCancelledContext(t *testing.T) {
	service, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := service.WriteFile(ctx, "cancelled.txt", "hello")
	if workspace.CategoryFromError(err) != workspace.ErrorIO {
		t.Fatalf("error category = %q, want %q", workspace.CategoryFromError(err), workspace.ErrorIO)
	}
}
