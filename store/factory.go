package store

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a Store based on the configuration
func New(config Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeSQL:
		return NewSQLStore(config, logger)
	case StoreTypeRedis:
		return NewRedisStore(config, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
