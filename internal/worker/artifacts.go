package worker

import (
	"os"
	"path/filepath"
	"strings"
)

// OutputsDir 返回任务输出工件所在目录。
func OutputsDir(dataDir string) string {
	return filepath.Join(dataDir, "outputs")
}

// ArtifactPath 返回指定任务的输出工件路径，文件名以任务 ID 为键。
func ArtifactPath(dataDir, taskID string) string {
	return filepath.Join(OutputsDir(dataDir), taskID+".log")
}

// readArtifact 读取任务输出，返回截断后的尾部与未截断的 summary 段。
// 工件不存在时返回空串，不视为错误。
func readArtifact(dataDir, taskID string, tailBytes int) (tail, summary string) {
	content, err := os.ReadFile(ArtifactPath(dataDir, taskID))
	if err != nil {
		return "", ""
	}
	text := string(content)
	summary = extractSummary(text)
	if tailBytes > 0 && len(text) > tailBytes {
		text = text[len(text)-tailBytes:]
		// 避免从行中间开始。
		if idx := strings.IndexByte(text, '\n'); idx >= 0 && idx < len(text)-1 {
			text = text[idx+1:]
		}
	}
	return text, summary
}

// extractSummary 在输出中寻找 summary 小节并原样返回其内容。
// 识别 "## summary" 标题或行首的 "summary:" 标记（大小写不敏感），
// 小节延伸到下一个二级标题或文件结尾。
func extractSummary(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	inline := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if lower == "## summary" {
			start = i + 1
			break
		}
		if strings.HasPrefix(lower, "summary:") {
			inline = strings.TrimSpace(trimmed[len("summary:"):])
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	var section []string
	if inline != "" {
		section = append(section, inline)
	}
	for _, line := range lines[start:] {
		if strings.HasPrefix(strings.TrimSpace(line), "## ") {
			break
		}
		section = append(section, line)
	}
	return strings.TrimSpace(strings.Join(section, "\n"))
}
