// Package database 负责创建 MySQL 与 Redis 连接。
package database

import (
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// OpenMySQL 连接 MySQL、配置连接池并迁移文档相关的表。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间

	if err := db.AutoMigrate(&model.DocumentRecord{}, &model.ChunkRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	log.Info("MySQL database connected successfully")
	return db, nil
}
