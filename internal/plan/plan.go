package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"volt-migrate/internal/entity"
)

// FormatVersion 为计划文件格式版本。
const FormatVersion = 1

// UnresolvedRef 为执行时才能确定远端标识的引用，目标必须在同一计划中更早的步骤里。
type UnresolvedRef struct {
	Field     string      `json:"field"`
	Kind      entity.Kind `json:"kind"`
	SourceKey string      `json:"sourceKey"`
}

// Key 返回引用目标的组合键。
func (r UnresolvedRef) Key() entity.Key {
	return entity.Key{Kind: r.Kind, SourceKey: r.SourceKey}
}

// Step 为计划中的单个写入步骤。
type Step struct {
	Order                int             `json:"order"`
	Kind                 entity.Kind     `json:"kind"`
	SourceKey            string          `json:"sourceKey"`
	ExternalID           string          `json:"externalIdentity"`
	Payload              map[string]any  `json:"payload"`
	UnresolvedReferences []UnresolvedRef `json:"unresolvedReferences"`
	Verify               map[string]any  `json:"verify,omitempty"`
	// AdoptRemoteID 非空表示远端已存在同自然键实体，执行时只回读确认并记录映射。
	AdoptRemoteID string `json:"adoptRemoteId,omitempty"`
	// AlreadyVerified 表示构建计划时映射已确认，执行时计为跳过。
	AlreadyVerified bool `json:"alreadyVerified,omitempty"`
}

// Key 返回步骤的组合键。
func (s Step) Key() entity.Key {
	return entity.Key{Kind: s.Kind, SourceKey: s.SourceKey}
}

// KindCounts 为单个类型的计划计数。
type KindCounts struct {
	Steps           int `json:"steps"`
	AlreadyVerified int `json:"alreadyVerified"`
	Adopt           int `json:"adopt"`
	Excluded        int `json:"excluded"`
}

// Counts 汇总计划规模。
type Counts struct {
	Total                int                        `json:"total"`
	ResolvedReferences   int                        `json:"resolvedReferences"`
	UnresolvedReferences int                        `json:"unresolvedReferences"`
	Kinds                map[entity.Kind]KindCounts `json:"kinds"`
}

// Plan 为可审阅、可序列化的执行计划。计划不含时间戳，相同输入得到字节一致的文件。
type Plan struct {
	Version     int         `json:"version"`
	InputHash   string      `json:"inputHash"`
	Prefix      string      `json:"prefix,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	MergePolicy MergePolicy `json:"mergePolicy"`
	Counts      Counts      `json:"counts"`
	Steps       []Step      `json:"steps"`
}

// Marshal 生成计划文件内容。
func (p *Plan) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("plan: 序列化计划失败: %w", err)
	}
	return buf.Bytes(), nil
}

// Save 原子写入计划文件。
func (p *Plan) Save(path string) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("plan: 创建目录失败: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("plan: 写入计划文件失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("plan: 替换计划文件失败: %w", err)
	}
	return nil
}

// Load 读取计划文件，数值保持原文。
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: 读取计划文件失败: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("plan: 解析计划文件 %q 失败: %w", path, err)
	}
	return &p, nil
}

type hashedRecord struct {
	Kind       entity.Kind           `json:"kind"`
	SourceKey  string                `json:"sourceKey"`
	Fields     map[string]any        `json:"fields,omitempty"`
	References map[string]entity.Ref `json:"references,omitempty"`
}

// InputHash 计算输入记录与规划参数的内容哈希，用于检测计划是否过期。
func InputHash(records []entity.Record, prefix string, limit int, policy MergePolicy) (string, error) {
	h := sha256.New()
	header := fmt.Sprintf("v%d\x00%s\x00%d\x00%s\n", FormatVersion, prefix, limit, policy)
	_, _ = h.Write([]byte(header))

	enc := json.NewEncoder(h)
	for _, rec := range records {
		if err := enc.Encode(hashedRecord{
			Kind:       rec.Kind,
			SourceKey:  rec.SourceKey,
			Fields:     rec.Fields,
			References: rec.References,
		}); err != nil {
			return "", fmt.Errorf("plan: 计算输入哈希失败: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
