package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/playarr/internal/models"
)

// AllMigrations returns every migration in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001PlaybackRecords(),
		migration002RecordRetentionIndex(),
	}
}

func migration001PlaybackRecords() Migration {
	return Migration{
		Version:     "001",
		Description: "Create playback_records",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.PlaybackRecord{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("playback_records")
		},
	}
}

// migration002RecordRetentionIndex indexes ended_at, which both history
// listing and retention pruning order and filter by.
func migration002RecordRetentionIndex() Migration {
	const index = "idx_playback_records_ended_at"
	return Migration{
		Version:     "002",
		Description: "Index playback_records.ended_at",
		Up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE INDEX IF NOT EXISTS " + index + " ON playback_records (ended_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex("playback_records", index) {
				return tx.Migrator().DropIndex("playback_records", index)
			}
			return nil
		},
	}
}
