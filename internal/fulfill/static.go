package fulfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义服务履约的通用接口: 支付完成后合成一份可信的响应。
// 实现必须是纯函数式的, 不做任何 I/O。
type Provider interface {
	Fulfill(capability string, params map[string]any) *Result
}

// Result 描述一次能力履约的产出。
type Result struct {
	Capability string         `json:"capability"`
	Summary    string         `json:"summary"`
	Output     map[string]any `json:"output,omitempty"`
}

// Template 描述某个能力的静态应答模板。
type Template struct {
	Capability string         `json:"capability"`
	Summary    string         `json:"summary"`
	Output     map[string]any `json:"output,omitempty"`
}

// StaticProvider 按能力名返回预置应答, 主要用于演示与测试。
type StaticProvider struct {
	templates map[string]Template
}

// NewStaticProvider 创建静态履约实例。
func NewStaticProvider(templates []Template) *StaticProvider {
	set := make(map[string]Template, len(templates))
	for _, tpl := range templates {
		name := strings.ToLower(strings.TrimSpace(tpl.Capability))
		if name == "" {
			continue
		}
		set[name] = tpl
	}
	return &StaticProvider{templates: set}
}

// LoadStaticProvider 从 JSON 文件加载应答模板。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("履约模板路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析履约模板路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取履约模板失败: %w", err)
	}
	defer file.Close()

	var templates []Template
	if err := json.NewDecoder(file).Decode(&templates); err != nil {
		return nil, fmt.Errorf("解析履约模板失败: %w", err)
	}
	return NewStaticProvider(templates), nil
}

// Fulfill 按能力名返回应答; 未配置的能力返回通用回执。
func (p *StaticProvider) Fulfill(capability string, params map[string]any) *Result {
	if p == nil {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(capability))
	if tpl, ok := p.templates[name]; ok {
		output := make(map[string]any, len(tpl.Output)+len(params))
		for k, v := range tpl.Output {
			output[k] = v
		}
		for k, v := range params {
			output["param:"+k] = v
		}
		return &Result{
			Capability: capability,
			Summary:    tpl.Summary,
			Output:     output,
		}
	}
	return &Result{
		Capability: capability,
		Summary:    fmt.Sprintf("能力 %s 已履约", capability),
		Output:     cloneOutput(params),
	}
}

func cloneOutput(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for k, v := range params {
		cloned[k] = v
	}
	return cloned
}

var _ Provider = (*StaticProvider)(nil)
