package db

import (
	"time"

	"chatsync/internal/models"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 建立到 Postgres 的连接，按指数退避重试以等待容器就绪。
func Connect(dsn string, maxWait time.Duration) (*gorm.DB, error) {
	var gdb *gorm.DB
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxWait
	err := backoff.Retry(func() error {
		var err error
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.Ping(); err != nil {
			_ = sqlDB.Close()
			return err
		}
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate 创建文档表以及按 username 查询用户时使用的表达式索引。
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&models.Document{}); err != nil {
		return err
	}
	return gdb.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_username ON documents ((data->>'username')) WHERE collection = 'users'`).Error
}
