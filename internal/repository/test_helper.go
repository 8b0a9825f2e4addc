package repository

import (
	"testing"
	"time"

	"github.com/nimasrn/campaign-engine/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens an in-memory sqlite database with every entity migrated.
// It is shared with the service tests.
func NewTestDB(t testing.TB) *pg.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	// every connection to ":memory:" is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&CustomerEntity{},
		&PurchaseEntity{},
		&EventRegistrationEntity{},
		&CampaignEntity{},
		&DeliveryRecordEntity{},
	)
	require.NoError(t, err)

	return pg.NewDB(db, db)
}
