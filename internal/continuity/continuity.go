// Package continuity manages the external hand-off document a freshly
// restarted orchestrator reads to resume context. The document is treated as
// opaque operator-owned text; this package only knows how to prepend entries
// to it atomically.
package continuity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Document 指向延续性文档。
type Document struct {
	path string
}

// NewDocument 创建文档句柄，文件允许尚不存在。
func NewDocument(path string) (*Document, error) {
	if path == "" {
		return nil, fmt.Errorf("延续性文档路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建延续性文档目录失败: %w", err)
	}
	return &Document{path: path}, nil
}

// Path 返回文档位置。
func (d *Document) Path() string {
	return d.path
}

// Read 返回文档全文，文件不存在时返回空串。
func (d *Document) Read() (string, error) {
	content, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("读取延续性文档失败: %w", err)
	}
	return string(content), nil
}

// Prepend 把条目插到文档最前端，写入走临时文件加原子重命名。
func (d *Document) Prepend(entry string) error {
	existing, err := d.Read()
	if err != nil {
		return err
	}
	next := entry
	if existing != "" {
		next = entry + "\n" + existing
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".continuity-*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(next); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入延续性文档失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("替换延续性文档失败: %w", err)
	}
	return nil
}

// Stamp 生成带时间戳的条目头，统一各写入方的格式。
func Stamp(title string, at time.Time) string {
	return fmt.Sprintf("## %s - %s", title, at.UTC().Format(time.RFC3339))
}
