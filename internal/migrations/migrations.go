// Package migrations 提供資料庫遷移功能
//
// SQL 檔案以 embed 打包進執行檔，啟動時與整合測試都走同一份。
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationsFS embed.FS

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New 建立新的遷移管理器
//
// databaseURL 需為 postgres:// 格式。
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Run 執行所有待處理的遷移後關閉
func Run(databaseURL string, logger *slog.Logger) error {
	m, err := New(databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("關閉遷移管理器失敗", "error", err)
		}
	}()
	return m.Up()
}

// Up 執行所有待處理的遷移
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("獲取當前版本失敗: %w", err)
	}

	if dirty {
		// 髒狀態代表上次遷移中斷，需要人工確認，不自動 Force
		return fmt.Errorf("資料庫處於髒狀態 (version %d)，請手動修復", version)
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("資料庫已是最新版本", "version", version)
			return nil
		}
		return fmt.Errorf("執行遷移失敗: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info("資料庫遷移成功", "from_version", version, "new_version", newVersion)

	return nil
}

// Down 回滾一個版本
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("回滾失敗: %w", err)
	}

	version, _, _ := m.migrate.Version()
	m.logger.Info("資料庫回滾成功", "current_version", version)

	return nil
}

// Version 獲取當前版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
