package mysql

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	mysqlDriver "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// 需要真实的 MySQL：PRESENCE_TEST_MYSQL_DSN="user:pass@tcp(127.0.0.1:3306)/presence_test?parseTime=true"
func TestExistingAccounts(t *testing.T) {
	dsn := os.Getenv("PRESENCE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("PRESENCE_TEST_MYSQL_DSN not set")
	}
	db, err := gorm.Open(mysqlDriver.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	repo := NewAccountRepoMysql(db)
	require.NoError(t, repo.Migrate(ctx))

	alive := uuid.NewString()
	gone := uuid.NewString()
	deletedAt := time.Now()
	require.NoError(t, db.Create(&Account{ID: alive, Email: "a@example.com", CreatedAt: time.Now()}).Error)
	require.NoError(t, db.Create(&Account{ID: gone, Email: "b@example.com", CreatedAt: time.Now(), DeletedAt: &deletedAt}).Error)
	t.Cleanup(func() { db.Where("id IN ?", []string{alive, gone}).Delete(&Account{}) })

	got, err := repo.ExistingAccounts(ctx, []string{alive, gone, uuid.NewString()})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{alive: true}, got)
}
