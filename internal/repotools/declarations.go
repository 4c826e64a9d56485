package repotools

import "github.com/Warp-Terra/repo-agent/internal/llm"

// Declarations returns the neutral tool declarations exposed to both
// provider dialects.
func Declarations() []llm.ToolDeclaration {
	return []llm.ToolDeclaration{
		{
			Name: "search_files",
			Description: "在当前代码仓库中递归搜索包含指定文本的文件。" +
				"返回匹配的文件路径、行号和内容片段。" +
				"适合用于查找函数定义、类定义、特定字符串、import 语句等。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "要搜索的文本关键词，例如函数名、类名、变量名或任意字符串",
					},
				},
				"required": []any{"query"},
			},
		},
		{
			Name: "read_file",
			Description: "读取指定文件的内容片段。" +
				"需要提供文件的相对路径（相对于项目根目录）以及可选的起止行号。" +
				"用于查看文件具体内容、理解代码逻辑。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "文件的相对路径，例如 'src/main.py' 或 'README.md'",
					},
					"start_line": map[string]any{
						"type":        "integer",
						"description": "起始行号（从 1 开始，默认 1）",
					},
					"end_line": map[string]any{
						"type":        "integer",
						"description": "结束行号（包含该行，默认 120）",
					},
				},
				"required": []any{"path"},
			},
		},
		{
			Name: "list_dir",
			Description: "列出指定目录的文件和子目录结构（最深 2 层）。" +
				"用于了解项目结构、发现文件。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "要列出的目录的相对路径，默认为项目根目录 '.'",
					},
				},
				"required": []any{},
			},
		},
	}
}
