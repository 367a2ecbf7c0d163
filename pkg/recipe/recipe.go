// Package recipe 加载 YAML 配方：按顺序执行的模块列表及各自的 SetUp 参数
package recipe

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var valid = validator.New()

// Param 配方期望从命令行获得的参数
type Param struct {
	Name    string  `yaml:"name" validate:"required"`
	Help    string  `yaml:"help"`
	Default *string `yaml:"default"`
}

// ModuleSpec 配方中的一个流水线阶段
type ModuleSpec struct {
	Name string         `yaml:"name" validate:"required"`
	Args map[string]any `yaml:"args"`
}

// Recipe 参数已解析的配方
type Recipe struct {
	Name        string       `yaml:"name" validate:"required"`
	Description string       `yaml:"description"`
	Params      []Param      `yaml:"params" validate:"dive"`
	Modules     []ModuleSpec `yaml:"modules" validate:"required,min=1,dive"`
}

// Load 读取 path 处的配方并替换 @param 占位符
func Load(path string, params map[string]string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipe: %w", err)
	}
	//nolint:errcheck
	defer f.Close()
	return Parse(f, params)
}

// Parse 从 r 解码配方并替换 @param 占位符
func Parse(r io.Reader, params map[string]string) (*Recipe, error) {
	var rcp Recipe
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rcp); err != nil {
		return nil, fmt.Errorf("decode recipe: %w", err)
	}
	if err := valid.Struct(&rcp); err != nil {
		return nil, fmt.Errorf("validate recipe: %w", err)
	}

	values := rcp.resolveParams(params)
	var missing []string
	for i := range rcp.Modules {
		args, miss := substituteMap(rcp.Modules[i].Args, values)
		rcp.Modules[i].Args = args
		missing = append(missing, miss...)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("recipe %s: missing parameters: %s", rcp.Name, strings.Join(dedupe(missing), ", "))
	}
	return &rcp, nil
}

// Metadata 写入 state 的配方信息
func (r *Recipe) Metadata() map[string]any {
	return map[string]any{
		"name":        r.Name,
		"description": r.Description,
	}
}

// resolveParams 命令行传值覆盖配方声明的默认值
func (r *Recipe) resolveParams(given map[string]string) map[string]string {
	values := map[string]string{}
	for _, p := range r.Params {
		if p.Default != nil {
			values[p.Name] = *p.Default
		}
	}
	for k, v := range given {
		values[k] = v
	}
	return values
}

var placeholder = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

func substitute(v any, values map[string]string) (any, []string) {
	switch t := v.(type) {
	case string:
		return substituteString(t, values)
	case map[string]any:
		return substituteMap(t, values)
	case []any:
		var missing []string
		out := make([]any, len(t))
		for i, item := range t {
			var miss []string
			out[i], miss = substitute(item, values)
			missing = append(missing, miss...)
		}
		return out, missing
	}
	return v, nil
}

func substituteMap(m map[string]any, values map[string]string) (map[string]any, []string) {
	if m == nil {
		return map[string]any{}, nil
	}
	var missing []string
	out := make(map[string]any, len(m))
	for k, v := range m {
		var miss []string
		out[k], miss = substitute(v, values)
		missing = append(missing, miss...)
	}
	return out, missing
}

func substituteString(s string, values map[string]string) (any, []string) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1:]
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	return out, missing
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
