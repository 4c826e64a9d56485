package agent

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"github.com/Warp-Terra/repo-agent/internal/llm"
	"github.com/Warp-Terra/repo-agent/internal/repotools"
)

// ToolFunc executes one tool call. Failures are reported in the returned
// string, never as errors, so the model can read and react to them.
type ToolFunc func(args map[string]any) string

type registeredTool struct {
	decl   llm.ToolDeclaration
	schema *jsonschema.Schema
	fn     ToolFunc
}

// Registry maps tool names to implementations and validates call
// arguments against each tool's declared schema before dispatch.
type Registry struct {
	order []string
	tools map[string]*registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*registeredTool{}}
}

// Register adds a tool. The declaration's parameter schema is compiled
// eagerly so a malformed schema fails at startup, not mid-turn.
func (r *Registry) Register(decl llm.ToolDeclaration, fn ToolFunc) error {
	if _, exists := r.tools[decl.Name]; exists {
		return fmt.Errorf("tool %q already registered", decl.Name)
	}
	schema, err := compileSchema(decl.Parameters)
	if err != nil {
		return fmt.Errorf("tool %q: %w", decl.Name, err)
	}
	r.tools[decl.Name] = &registeredTool{decl: decl, schema: schema, fn: fn}
	r.order = append(r.order, decl.Name)
	return nil
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// Declarations returns the registered tool declarations in registration
// order, for handing to the model.
func (r *Registry) Declarations() []llm.ToolDeclaration {
	out := make([]llm.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].decl)
	}
	return out
}

// Execute dispatches a tool call. Unknown names, invalid arguments, and
// panicking tools all come back as error strings.
func (r *Registry) Execute(name string, args map[string]any) (result string) {
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("错误：未知的工具函数 '%s'", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.schema.Validate(normalizeForSchema(args)); err != nil {
		return fmt.Sprintf("工具执行出错：ValidationError: %v", err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = fmt.Sprintf("工具执行出错：RuntimeError: %v", rec)
		}
	}()
	return tool.fn(args)
}

// normalizeForSchema round-trips args through JSON so hand-constructed
// maps (int values, typed slices) validate the same as decoded ones.
func normalizeForSchema(args map[string]any) any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return args
	}
	return v
}

// callSignature identifies a call by name and canonical argument JSON,
// digested so signatures stay short regardless of argument size.
func callSignature(name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	sum := blake3.Sum256(b)
	return name + "|" + hex.EncodeToString(sum[:8])
}

// RepoToolRegistry binds the three repository tools into a registry.
func RepoToolRegistry(tools *repotools.Tools) (*Registry, error) {
	reg := NewRegistry()
	decls := repotools.Declarations()

	bindings := map[string]ToolFunc{
		"search_files": func(args map[string]any) string {
			query, _ := args["query"].(string)
			return tools.SearchFiles(query)
		},
		"read_file": func(args map[string]any) string {
			path, _ := args["path"].(string)
			return tools.ReadFile(path, intArg(args, "start_line", 1), intArg(args, "end_line", 120))
		},
		"list_dir": func(args map[string]any) string {
			path, _ := args["path"].(string)
			if path == "" {
				path = "."
			}
			return tools.ListDir(path)
		},
	}

	for _, decl := range decls {
		fn, ok := bindings[decl.Name]
		if !ok {
			continue
		}
		if err := reg.Register(decl, fn); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
