package discover

import (
	"time"

	"volt-migrate/internal/entity"
	"volt-migrate/internal/transport"
)

const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"

	// ResultsFile 为汇总文件名，与各端点文件位于同一目录。
	ResultsFile = "discovery_results.json"
)

// EndpointResult 记录单个端点的列举结果，同时作为 <endpoint>.json 的内容。
type EndpointResult struct {
	Kind       entity.Kind        `json:"kind"`
	Endpoint   string             `json:"endpoint"`
	Status     string             `json:"status"`
	Count      int                `json:"count"`
	SampleKeys []string           `json:"sampleKeys,omitempty"`
	Sample     transport.Object   `json:"sample,omitempty"`
	Error      string             `json:"error,omitempty"`
	Data       []transport.Object `json:"data,omitempty"`
}

// Summary 为 discovery_results.json 的内容，不含完整数据。
type Summary struct {
	RetrievedAt  time.Time           `json:"retrievedAt"`
	Endpoints    []EndpointResult    `json:"endpoints"`
	Counts       map[entity.Kind]int `json:"counts"`
	TestPrefixed map[entity.Kind]int `json:"testPrefixed,omitempty"`
	Total        int                 `json:"total"`
}

// Snapshot 为一次发现的完整结果。
type Snapshot struct {
	Summary Summary
	Objects map[entity.Kind][]transport.Object
}

// Conflict 表示计划中的实体在远端已存在同名自然键。
type Conflict struct {
	Kind       entity.Kind `json:"kind"`
	SourceKey  string      `json:"sourceKey"`
	Field      string      `json:"field"`
	NaturalKey string      `json:"naturalKey"`
	RemoteID   string      `json:"remoteId"`
}
