// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"subpilot/models"
)

// NewDB opens a migrated in-memory database private to the calling test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the shared in-memory database alive and
	// serialises writers the way a row lock would.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Clock is a settable time source for deterministic tests.
type Clock struct {
	Now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{Now: now.UTC()}
}

func (c *Clock) Func() func() time.Time {
	return func() time.Time { return c.Now }
}

func (c *Clock) Advance(d time.Duration) {
	c.Now = c.Now.Add(d)
}

// SeedUser inserts an active user.
func SeedUser(t testing.TB, db *gorm.DB, email string) models.User {
	t.Helper()
	user := models.User{Email: email, IsActive: true}
	require.NoError(t, db.Create(&user).Error)
	return user
}

// SeedSubscriber inserts a subscriber owned by userID.
func SeedSubscriber(t testing.TB, db *gorm.DB, userID uint, email, status string, subscribedAt time.Time) models.Subscriber {
	t.Helper()
	sub := models.Subscriber{
		UserID:       userID,
		Email:        email,
		Name:         "Sam Subscriber",
		Status:       status,
		Plan:         "pro",
		MRRCents:     4900,
		HealthScore:  100,
		Tags:         []string{},
		SubscribedAt: subscribedAt.UTC(),
	}
	require.NoError(t, db.Create(&sub).Error)
	return sub
}
