package mysql

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// 单次 IN 查询的最大ID数
const lookupChunk = 500

// Account accounts 表中与清理相关的列
type Account struct {
	ID        string     `gorm:"column:id;primaryKey;size:64"`
	Email     string     `gorm:"column:email;size:255"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	DeletedAt *time.Time `gorm:"column:deleted_at;index"`
}

func (Account) TableName() string { return "accounts" }

type AccountRepoMysql struct {
	db *gorm.DB
}

var _ out.AccountDirectory = (*AccountRepoMysql)(nil)

func NewAccountRepoMysql(db *gorm.DB) *AccountRepoMysql {
	return &AccountRepoMysql{db: db}
}

// ExistingAccounts 软删除的账号视为不存在
func (r *AccountRepoMysql) ExistingAccounts(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := start + lookupChunk
		if end > len(ids) {
			end = len(ids)
		}
		var found []string
		err := r.db.WithContext(ctx).
			Model(&Account{}).
			Where("id IN ? AND deleted_at IS NULL", ids[start:end]).
			Pluck("id", &found).Error
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			result[id] = true
		}
	}
	return result, nil
}

// Migrate 本地开发时建表
func (r *AccountRepoMysql) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Account{})
}
