package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Ref 指向本次输入或历史映射中的另一条记录。
type Ref struct {
	Kind      Kind   `json:"kind"`
	SourceKey string `json:"sourceKey"`
}

// Key 返回 (kind, sourceKey) 组合键。
func (r Ref) Key() Key {
	return Key{Kind: r.Kind, SourceKey: r.SourceKey}
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.SourceKey)
}

// Key 唯一标识一个逻辑实体。
type Key struct {
	Kind      Kind
	SourceKey string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.SourceKey)
}

// Record 为解析、归一化后的源记录。
// References 的键为载荷中的目标字段名，例如 tradersGroupId。
type Record struct {
	Kind       Kind           `json:"kind"`
	SourceKey  string         `json:"sourceKey"`
	Fields     map[string]any `json:"fields"`
	References map[string]Ref `json:"references,omitempty"`
	Origin     string         `json:"origin,omitempty"`
}

// Key 返回记录的组合键。
func (r Record) Key() Key {
	return Key{Kind: r.Kind, SourceKey: r.SourceKey}
}

// ReferenceFields 按字典序返回引用字段，保证遍历确定性。
func (r Record) ReferenceFields() []string {
	fields := make([]string, 0, len(r.References))
	for f := range r.References {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Status 表示映射条目的生命周期状态。
type Status string

const (
	StatusPlanned  Status = "Planned"
	StatusCreated  Status = "Created"
	StatusVerified Status = "Verified"
	StatusFailed   Status = "Failed"
)

// MappingEntry 记录源实体与远端实体的对应关系。
type MappingEntry struct {
	Kind       Kind      `json:"kind"`
	SourceKey  string    `json:"sourceKey"`
	ExternalID string    `json:"externalIdentity"`
	RemoteID   string    `json:"remoteId,omitempty"`
	Status     Status    `json:"status"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Key 返回条目的组合键。
func (e MappingEntry) Key() Key {
	return Key{Kind: e.Kind, SourceKey: e.SourceKey}
}

// Verified 判断条目是否已经回读确认。
func (e MappingEntry) Verified() bool {
	return e.Status == StatusVerified && e.RemoteID != ""
}

// LoadRecords 读取归一化记录 JSON 文件（记录数组）。
func LoadRecords(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("entity: 读取记录文件失败: %w", err)
	}

	// 保留数字原文，避免大整数成交号丢失精度
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("entity: 解析记录文件 %q 失败: %w", path, err)
	}
	for i := range records {
		if records[i].Origin == "" {
			records[i].Origin = path
		}
	}
	return records, nil
}
