package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// sqlite 不支持 FOR UPDATE，只在 postgres/mysql 上加行锁
var forUpdateLock = clause.Locking{Strength: "UPDATE"}

// documentRow 是单表文档模型。所有集合共用一张表，
// workflow_id / status / created_at 提为索引列供 Query 使用。
type documentRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Collection string    `gorm:"size:64;not null;uniqueIndex:idx_collection_doc,priority:1;index:idx_collection_status,priority:1"`
	DocID      string    `gorm:"size:64;not null;uniqueIndex:idx_collection_doc,priority:2"`
	WorkflowID string    `gorm:"size:64;index"`
	Status     string    `gorm:"size:32;index:idx_collection_status,priority:2"`
	Data       []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

// SQLStore is a gorm-backed implementation of Store over sqlite, postgres
// or mysql. Suitable for single-node production deployments.
type SQLStore struct {
	db     *gorm.DB
	driver string
	logger *zap.Logger
}

// NewSQLStore creates a SQL document store and migrates the schema
func NewSQLStore(config Config, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, err := openDialector(config.SQL)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite 单写者：限制为单连接，顺带让 :memory: 库在连接池下可用
	if config.SQL.Driver == "sqlite" || config.SQL.Driver == "" {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("sql store ready",
		zap.String("component", "store"),
		zap.String("driver", config.SQL.Driver),
	)

	return &SQLStore{db: db, driver: config.SQL.Driver, logger: logger}, nil
}

func openDialector(cfg SQLConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}
}

// Create implements Store.Create
func (s *SQLStore) Create(ctx context.Context, collection, id string, doc any) error {
	if collection == "" || id == "" || doc == nil {
		return ErrInvalidInput
	}

	data, workflowID, status, createdAt, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := documentRow{
		Collection: collection,
		DocID:      id,
		WorkflowID: workflowID,
		Status:     status,
		Data:       data,
		CreatedAt:  createdAt,
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get implements Store.Get
func (s *SQLStore) Get(ctx context.Context, collection, id string, out any) error {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(row.Data, out)
}

// Update implements Store.Update
func (s *SQLStore) Update(ctx context.Context, collection, id string, doc any) error {
	if doc == nil {
		return ErrInvalidInput
	}

	data, workflowID, status, _, err := marshalDoc(doc)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Model(&documentRow{}).
		Where("collection = ? AND doc_id = ?", collection, id).
		Updates(map[string]any{
			"workflow_id": workflowID,
			"status":      status,
			"data":        data,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendToList implements Store.AppendToList.
// Runs read-modify-write in a transaction so concurrent appends to the same
// document never drop entries.
func (s *SQLStore) AppendToList(ctx context.Context, collection, id, field string, item any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row documentRow
		q := tx.Where("collection = ? AND doc_id = ?", collection, id)
		if s.driver == "postgres" || s.driver == "mysql" {
			q = q.Clauses(forUpdateLock)
		}
		if err := q.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		updated, err := appendToListField(row.Data, field, item)
		if err != nil {
			return err
		}

		return tx.Model(&documentRow{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{"data": updated, "updated_at": time.Now().UTC()}).Error
	})
}

// Query implements Store.Query. workflow_id and status filter on the indexed
// columns; any remaining filter fields are matched against the document JSON.
func (s *SQLStore) Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	q := s.db.WithContext(ctx).
		Model(&documentRow{}).
		Where("collection = ?", collection)

	rest := make(Filter, len(filter))
	for k, v := range filter {
		switch k {
		case "workflow_id":
			q = q.Where("workflow_id = ?", fmt.Sprint(v))
		case "status":
			q = q.Where("status = ?", fmt.Sprint(v))
		default:
			rest[k] = v
		}
	}

	var rows []documentRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		if matchesFilter(row.Data, rest) {
			out = append(out, json.RawMessage(row.Data))
		}
	}
	return out, nil
}

// Ping implements Store.Ping
func (s *SQLStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close implements Store.Close
func (s *SQLStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
