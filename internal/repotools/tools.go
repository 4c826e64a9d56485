// Package repotools provides read-only repository access for the agent:
// text search, file reads, and directory listings. All paths are confined
// to the project root; escape attempts come back as error strings, never
// as filesystem errors.
package repotools

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// Directories pruned from every walk. Any other dot-prefixed directory is
// skipped as well.
var skipDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
	"__pycache__": true, ".mypy_cache": true, ".pytest_cache": true,
	"node_modules": true, ".venv": true, "venv": true, "env": true,
	".tox": true, ".eggs": true, "dist": true, "build": true,
	".idea": true, ".vscode": true,
}

// Extensions treated as binary regardless of content.
var skipExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".so": true, ".dll": true, ".exe": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".svg": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true, ".rar": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".db": true, ".sqlite": true, ".sqlite3": true,
}

// maxFileSize is the per-file read ceiling.
const maxFileSize = 1024 * 1024

const maxSearchResults = 30

// Tools serves the three repository operations rooted at a single
// directory. IgnoreGlobs are extra doublestar patterns, matched against
// root-relative paths, that search and listings skip.
type Tools struct {
	root        string
	ignoreGlobs []string
}

// New roots the toolset at dir (the process working directory when
// empty). The root is canonicalized once so containment checks compare
// resolved paths.
func New(dir string, ignoreGlobs []string) (*Tools, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Tools{root: abs, ignoreGlobs: ignoreGlobs}, nil
}

// Root returns the canonical project root.
func (t *Tools) Root() string { return t.root }

// safeResolve canonicalizes a user-supplied path and verifies it stays
// under the root. Returns ok=false for absolute paths outside the root,
// .. traversal, and symlinks pointing out of the tree.
func (t *Tools) safeResolve(p string) (string, bool) {
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(t.root, target)
	}
	target = filepath.Clean(target)
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	rel, err := filepath.Rel(t.root, target)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func shouldSkipDir(name string) bool {
	return skipDirs[name] || strings.HasPrefix(name, ".")
}

func (t *Tools) ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range t.ignoreGlobs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// isTextFile reports whether a file is worth reading: not a known binary
// extension and under the size ceiling.
func isTextFile(path string) bool {
	if skipExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() <= maxFileSize
}

func rstrip(s string) string {
	return strings.TrimRightFunc(s, unicode.IsSpace)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// SearchFiles scans the tree for lines containing query, case
// insensitively, and returns up to 30 matches as "path:line: content"
// rows with content capped at 200 characters.
func (t *Tools) SearchFiles(query string) string {
	needle := strings.ToLower(query)
	var results []string
	filesScanned := 0

	_ = filepath.WalkDir(t.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(t.root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != t.root && (shouldSkipDir(d.Name()) || t.ignored(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(results) >= maxSearchResults {
			return filepath.SkipAll
		}
		if t.ignored(rel) || !isTextFile(path) {
			return nil
		}

		filesScanned++
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxFileSize+1)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			content := truncateRunes(rstrip(line), 200)
			results = append(results, fmt.Sprintf("  %s:%d: %s", rel, lineNum, content))
			if len(results) >= maxSearchResults {
				break
			}
		}
		return nil
	})

	if len(results) == 0 {
		return fmt.Sprintf("未找到包含 \"%s\" 的文件（已扫描 %d 个文件）。", query, filesScanned)
	}
	header := fmt.Sprintf("找到 %d 条匹配（已扫描 %d 个文件）：\n", len(results), filesScanned)
	return header + strings.Join(results, "\n")
}

// ReadFile returns a numbered slice of the file. Line numbers are
// 1-based and inclusive; a window wider than 200 lines is narrowed from
// the end.
func (t *Tools) ReadFile(path string, startLine, endLine int) string {
	filePath, ok := t.safeResolve(path)
	if !ok {
		return fmt.Sprintf("错误：路径不安全或不在项目目录内：%s", path)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Sprintf("错误：文件不存在：%s", path)
	}
	if info.IsDir() {
		return fmt.Sprintf("错误：路径不是文件：%s", path)
	}
	if !isTextFile(filePath) {
		return fmt.Sprintf("错误：文件不是文本文件或体积过大：%s", path)
	}

	if startLine < 1 {
		startLine = 1
	}
	if endLine < startLine {
		endLine = startLine
	}
	if endLine-startLine > 200 {
		endLine = startLine + 200
	}

	b, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Sprintf("错误：无法读取文件 %s：%v", path, err)
	}
	lines := strings.Split(string(b), "\n")
	// A trailing newline produces a phantom empty element.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	totalLines := len(lines)
	if startLine > totalLines {
		return fmt.Sprintf("错误：起始行 %d 超出文件总行数 %d。", startLine, totalLines)
	}

	end := endLine
	if end > totalLines {
		end = totalLines
	}
	var out []string
	for i := startLine; i <= end; i++ {
		out = append(out, fmt.Sprintf("  %4d | %s", i, rstrip(lines[i-1])))
	}

	header := fmt.Sprintf("文件：%s（第 %d-%d 行，共 %d 行）\n", path, startLine, end, totalLines)
	return header + strings.Join(out, "\n")
}

// ListDir renders a two-level tree of the directory, directories first,
// skip-listed and dot directories pruned.
func (t *Tools) ListDir(path string) string {
	if path == "" {
		path = "."
	}
	dirPath, ok := t.safeResolve(path)
	if !ok {
		return fmt.Sprintf("错误：路径不安全或不在项目目录内：%s", path)
	}
	info, err := os.Stat(dirPath)
	if err != nil {
		return fmt.Sprintf("错误：目录不存在：%s", path)
	}
	if !info.IsDir() {
		return fmt.Sprintf("错误：路径不是目录：%s", path)
	}

	relDisplay := "."
	if rel, err := filepath.Rel(t.root, dirPath); err == nil && rel != "." {
		relDisplay = rel
	}

	lines := []string{relDisplay + "/"}
	t.walkTree(dirPath, "", 1, &lines)

	if len(lines) == 1 {
		return fmt.Sprintf("目录 %s 为空。", path)
	}
	return strings.Join(lines, "\n")
}

func (t *Tools) walkTree(current, prefix string, depth int, out *[]string) {
	if depth > 2 {
		return
	}
	entries, err := os.ReadDir(current)
	if err != nil {
		return
	}

	var dirs, files []os.DirEntry
	for _, e := range entries {
		rel, relErr := filepath.Rel(t.root, filepath.Join(current, e.Name()))
		if relErr == nil && t.ignored(rel) {
			continue
		}
		if e.IsDir() {
			if !shouldSkipDir(e.Name()) {
				dirs = append(dirs, e)
			}
		} else {
			files = append(files, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	items := append(dirs, files...)
	for i, item := range items {
		isLast := i == len(items)-1
		connector := "├── "
		extension := "│   "
		if isLast {
			connector = "└── "
			extension = "    "
		}
		if item.IsDir() {
			*out = append(*out, prefix+connector+item.Name()+"/")
			t.walkTree(filepath.Join(current, item.Name()), prefix+extension, depth+1, out)
		} else {
			*out = append(*out, prefix+connector+item.Name())
		}
	}
}
