// Package store provides the transactional document store the engine persists
// workflow state into. Documents are JSON, keyed by (collection, id).
//
// Supported backends:
// - Memory: For development and testing (default)
// - SQL: gorm over sqlite/postgres/mysql for single-node production
// - Redis: For distributed production deployments
//
// Operations on distinct document ids never block each other; a write to a
// given id is atomic with respect to concurrent readers of that id.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// 三个逻辑集合
const (
	CollectionWorkflows = "workflows"
	CollectionResearch  = "research_data"
	CollectionOutputs   = "final_outputs"
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeRedis  StoreType = "redis"
)

// Filter 按顶层字段等值过滤。workflow_id 和 status 走二级索引，
// 其余字段由各实现扫描匹配。
type Filter map[string]any

// Store is the document store port consumed by the orchestrator and stages.
// Research and output records are write-once; only workflow documents are
// ever updated.
type Store interface {
	// Create persists a new document. Fails with ErrAlreadyExists if the
	// (collection, id) pair is taken.
	Create(ctx context.Context, collection, id string, doc any) error

	// Get loads a document into out. Fails with ErrNotFound.
	Get(ctx context.Context, collection, id string, out any) error

	// Update replaces an existing document. Fails with ErrNotFound.
	Update(ctx context.Context, collection, id string, doc any) error

	// AppendToList atomically appends item to the named JSON array field of
	// an existing document. Fails with ErrNotFound.
	AppendToList(ctx context.Context, collection, id, field string, item any) error

	// Query returns the raw documents matching the filter, oldest first.
	Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error)

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close closes the store and releases resources
	Close() error
}

// SQLConfig SQL 后端配置
type SQLConfig struct {
	// Driver 是 sqlite、postgres 或 mysql
	Driver string `json:"driver" yaml:"driver"`

	// DSN 数据源连接串（sqlite 为文件路径，:memory: 表示内存库）
	DSN string `json:"dsn" yaml:"dsn"`
}

// RedisConfig Redis 后端配置
type RedisConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Config is the base configuration for all store implementations
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// SQL configuration (only used when Type is "sql")
	SQL SQLConfig `json:"sql" yaml:"sql"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// ConnectTimeout bounds backend connection checks at startup
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		Type: StoreTypeMemory,
		SQL: SQLConfig{
			Driver: "sqlite",
			DSN:    "./data/researchflow.db",
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "researchflow:",
		},
		ConnectTimeout: 5 * time.Second,
	}
}

// marshalDoc serializes a document and extracts the indexed fields.
func marshalDoc(doc any) (data []byte, workflowID, status string, createdAt time.Time, err error) {
	data, err = json.Marshal(doc)
	if err != nil {
		return nil, "", "", time.Time{}, err
	}

	// 从文档里提取索引字段（workflow 文档的 workflow_id 即其自身 id 字段缺省为空）
	var idx struct {
		WorkflowID string    `json:"workflow_id"`
		Status     string    `json:"status"`
		CreatedAt  time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return data, "", "", time.Time{}, nil
	}
	return data, idx.WorkflowID, idx.Status, idx.CreatedAt, nil
}

// matchesFilter reports whether a raw document matches all filter fields.
func matchesFilter(data []byte, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := fields[k]
		if !ok {
			return false
		}
		wantData, _ := json.Marshal(want)
		gotData, _ := json.Marshal(got)
		if string(wantData) != string(gotData) {
			return false
		}
	}
	return true
}

// appendToListField appends item to the named array field of a raw document
// and returns the updated document.
func appendToListField(data []byte, field string, item any) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	var list []json.RawMessage
	if raw, ok := fields[field]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
	}

	itemData, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	list = append(list, itemData)

	listData, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	fields[field] = listData

	return json.Marshal(fields)
}
