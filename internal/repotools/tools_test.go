package repotools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("main.go", "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n")
	write("internal/util/util.go", "package util\n\n// Helper does a thing.\nfunc Helper() {}\n")
	write("README.md", "# Demo\n\nA small demo repo.\n")
	write(".git/config", "[core]\n")
	write("node_modules/pkg/index.js", "module.exports = {}\n")
	write("logo.png", "not really an image")
	return dir
}

func mustTools(t *testing.T, dir string, globs []string) *Tools {
	t.Helper()
	tools, err := New(dir, globs)
	if err != nil {
		t.Fatal(err)
	}
	return tools
}

func TestSearchFilesFindsMatches(t *testing.T) {
	tools := mustTools(t, newTestRepo(t), nil)

	out := tools.SearchFiles("HELLO")
	if !strings.Contains(out, "main.go:4:") {
		t.Errorf("search output missing match: %q", out)
	}
	if !strings.HasPrefix(out, "找到 1 条匹配") {
		t.Errorf("search header = %q", out)
	}
	if strings.Contains(out, "node_modules") || strings.Contains(out, ".git") {
		t.Errorf("skip-listed directories leaked into results: %q", out)
	}
}

func TestSearchFilesNoMatch(t *testing.T) {
	tools := mustTools(t, newTestRepo(t), nil)

	out := tools.SearchFiles("zzz-not-present")
	if !strings.HasPrefix(out, "未找到包含 \"zzz-not-present\" 的文件") {
		t.Errorf("miss message = %q", out)
	}
}

func TestSearchFilesCapsResults(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("needle line\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	tools := mustTools(t, dir, nil)

	out := tools.SearchFiles("needle")
	if !strings.HasPrefix(out, "找到 30 条匹配") {
		t.Errorf("expected cap at 30 matches, got %q", strings.SplitN(out, "\n", 2)[0])
	}
}

func TestSearchFilesHonorsIgnoreGlobs(t *testing.T) {
	dir := newTestRepo(t)
	tools := mustTools(t, dir, []string{"internal/**"})

	out := tools.SearchFiles("Helper")
	if !strings.HasPrefix(out, "未找到") {
		t.Errorf("ignored path should not match: %q", out)
	}
}

func TestSearchFilesTruncatesLongLines(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("x", 300) + " needle"
	if err := os.WriteFile(filepath.Join(dir, "long.txt"), []byte(long+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tools := mustTools(t, dir, nil)

	out := tools.SearchFiles("needle")
	if !strings.Contains(out, "...") {
		t.Errorf("long line should be truncated with ellipsis: %q", out)
	}
}

func TestReadFileWindowAndNumbering(t *testing.T) {
	tools := mustTools(t, newTestRepo(t), nil)

	out := tools.ReadFile("main.go", 3, 4)
	if !strings.HasPrefix(out, "文件：main.go（第 3-4 行，共 5 行）") {
		t.Errorf("header = %q", strings.SplitN(out, "\n", 2)[0])
	}
	if !strings.Contains(out, "     3 | func main() {") {
		t.Errorf("numbered line missing: %q", out)
	}
	if strings.Contains(out, "package main") {
		t.Errorf("line outside window leaked: %q", out)
	}
}

func TestReadFileClampsWindow(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString("line\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	tools := mustTools(t, dir, nil)

	out := tools.ReadFile("big.txt", 1, 400)
	if !strings.HasPrefix(out, "文件：big.txt（第 1-201 行，共 400 行）") {
		t.Errorf("window should clamp to 200 lines past start: %q", strings.SplitN(out, "\n", 2)[0])
	}
	if strings.Contains(out, " 202 |") {
		t.Errorf("lines past the clamp leaked: %q", out)
	}
}

func TestReadFileErrors(t *testing.T) {
	dir := newTestRepo(t)
	tools := mustTools(t, dir, nil)

	cases := []struct {
		path  string
		start int
		end   int
		want  string
	}{
		{"../outside.txt", 1, 10, "错误：路径不安全或不在项目目录内：../outside.txt"},
		{"missing.go", 1, 10, "错误：文件不存在：missing.go"},
		{"internal", 1, 10, "错误：路径不是文件：internal"},
		{"logo.png", 1, 10, "错误：文件不是文本文件或体积过大：logo.png"},
		{"main.go", 99, 120, "错误：起始行 99 超出文件总行数 5。"},
	}
	for _, c := range cases {
		if got := tools.ReadFile(c.path, c.start, c.end); got != c.want {
			t.Errorf("ReadFile(%q, %d, %d) = %q, want %q", c.path, c.start, c.end, got, c.want)
		}
	}
}

func TestReadFileRejectsOversize(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxFileSize+1)
	for i := range big {
		big[i] = 'a'
	}
	if err := os.WriteFile(filepath.Join(dir, "huge.txt"), big, 0o644); err != nil {
		t.Fatal(err)
	}
	tools := mustTools(t, dir, nil)

	if got := tools.ReadFile("huge.txt", 1, 10); got != "错误：文件不是文本文件或体积过大：huge.txt" {
		t.Errorf("ReadFile(huge) = %q", got)
	}
}

func TestListDirTree(t *testing.T) {
	tools := mustTools(t, newTestRepo(t), nil)

	out := tools.ListDir(".")
	if !strings.HasPrefix(out, "./\n") {
		t.Errorf("root display = %q", strings.SplitN(out, "\n", 2)[0])
	}
	if !strings.Contains(out, "internal/") {
		t.Errorf("subdirectory missing: %q", out)
	}
	if !strings.Contains(out, "main.go") {
		t.Errorf("file missing: %q", out)
	}
	if strings.Contains(out, ".git") || strings.Contains(out, "node_modules") {
		t.Errorf("skip-listed directories leaked: %q", out)
	}
	// Depth cap: internal/util/ is level 2; its files are level 3.
	if strings.Contains(out, "util.go") {
		t.Errorf("entries below depth 2 leaked: %q", out)
	}
}

func TestListDirErrorsAndEmpty(t *testing.T) {
	dir := newTestRepo(t)
	if err := os.MkdirAll(filepath.Join(dir, "emptydir"), 0o755); err != nil {
		t.Fatal(err)
	}
	tools := mustTools(t, dir, nil)

	if got := tools.ListDir("nope"); got != "错误：目录不存在：nope" {
		t.Errorf("ListDir(nope) = %q", got)
	}
	if got := tools.ListDir("main.go"); got != "错误：路径不是目录：main.go" {
		t.Errorf("ListDir(file) = %q", got)
	}
	if got := tools.ListDir("../.."); got != "错误：路径不安全或不在项目目录内：../.." {
		t.Errorf("ListDir(escape) = %q", got)
	}
	if got := tools.ListDir("emptydir"); got != "目录 emptydir 为空。" {
		t.Errorf("ListDir(empty) = %q", got)
	}
}

func TestSafeResolveSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := newTestRepo(t)
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	tools := mustTools(t, dir, nil)

	out := tools.ReadFile("link.txt", 1, 10)
	if !strings.HasPrefix(out, "错误：路径不安全或不在项目目录内：") {
		t.Errorf("symlink escape should be rejected: %q", out)
	}
}
