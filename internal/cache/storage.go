package cache

import "fmt"

// NewStorage 根据驱动名构建 Storage，driver 取值与 config.StorageDriver* 一致。
func NewStorage(driver, basePath string) (Storage, error) {
	switch driver {
	case "", "fs":
		return NewFileStorage(basePath)
	case "sqlite":
		return NewSQLiteStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
