package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "PhaseForge/internal/errors"
)

// FanOut 描述一个阶段建议产生的子任务数量范围。
type FanOut struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Phase 是一个已校验的、不可变的阶段定义。
type Phase struct {
	ID          string `yaml:"id"`
	Order       int    `yaml:"order"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	FanOut      FanOut `yaml:"fan_out"`
	Concurrency int    `yaml:"concurrency"`
	StrictFanOut bool  `yaml:"strict_fan_out"`
}

// Workflow 保存全部阶段定义，加载后只读。
type Workflow struct {
	phases  []Phase
	byID    map[string]Phase
	byOrder map[int]Phase
}

type fileSchema struct {
	Phases []Phase `yaml:"phases"`
}

// Load 从 YAML 文件加载阶段定义并完成校验。
func Load(path string) (*Workflow, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "阶段定义文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取阶段定义文件失败")
	}
	var schema fileSchema
	if err := yaml.Unmarshal(content, &schema); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "解析阶段定义失败")
	}
	return New(schema.Phases)
}

// New 根据阶段列表构建 Workflow，阶段顺序必须严格递增且唯一。
func New(phases []Phase) (*Workflow, error) {
	if len(phases) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "至少需要一个阶段定义")
	}

	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	byID := make(map[string]Phase, len(sorted))
	byOrder := make(map[int]Phase, len(sorted))
	for i, p := range sorted {
		if strings.TrimSpace(p.ID) == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "阶段 ID 不能为空")
		}
		if _, ok := byID[p.ID]; ok {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("阶段 ID 重复: %s", p.ID))
		}
		if i > 0 && p.Order <= sorted[i-1].Order {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("阶段顺序必须严格递增: %s", p.ID))
		}
		if p.FanOut.Max > 0 && p.FanOut.Min > p.FanOut.Max {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("阶段 %s 的 fan_out 区间无效", p.ID))
		}
		if p.Concurrency < 0 {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("阶段 %s 的并发上限不能为负", p.ID))
		}
		byID[p.ID] = p
		byOrder[p.Order] = p
	}

	return &Workflow{phases: sorted, byID: byID, byOrder: byOrder}, nil
}

// Phases 返回按顺序排列的阶段副本。
func (w *Workflow) Phases() []Phase {
	out := make([]Phase, len(w.phases))
	copy(out, w.phases)
	return out
}

// Get 查找指定阶段。
func (w *Workflow) Get(id string) (Phase, bool) {
	p, ok := w.byID[id]
	return p, ok
}

// OrderOf 返回阶段的顺序值，阶段不存在时返回错误。
func (w *Workflow) OrderOf(id string) (int, error) {
	p, ok := w.byID[id]
	if !ok {
		return 0, xerrors.New(xerrors.CodeGraphInvariant, fmt.Sprintf("阶段不存在: %s", id))
	}
	return p.Order, nil
}

// Len 返回阶段数量。
func (w *Workflow) Len() int {
	return len(w.phases)
}
