package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rocketshoes/cartservice/pkg/model"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is one row per slot key.
type Snapshot struct {
	Key       string `gorm:"primaryKey;column:slot_key;size:191"`
	Payload   []byte `gorm:"column:payload;not null"`
	UpdatedAt time.Time
}

func (Snapshot) TableName() string {
	return "cart_snapshots"
}

// OpenMySQL connects with the otelgorm plugin installed and migrates the
// snapshot table.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mysql")
	}
	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, errors.Wrap(err, "failed to initialize otelgorm plugin")
	}
	return db, nil
}

func NewGormFactory(db *gorm.DB) (Factory, error) {
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, errors.Wrap(err, "migrate cart_snapshots")
	}
	return func(key string) Slot { return &GormSlot{db: db, key: key} }, nil
}

type GormSlot struct {
	db  *gorm.DB
	key string
}

func (s *GormSlot) Load(ctx context.Context) (model.Cart, error) {
	var rows []Snapshot
	if err := s.db.WithContext(ctx).Where("slot_key = ?", s.key).Limit(1).Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "load snapshot %s", s.key)
	}
	if len(rows) == 0 {
		return model.Cart{}, nil
	}
	return decode(rows[0].Payload)
}

func (s *GormSlot) Save(ctx context.Context, c model.Cart) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	row := Snapshot{Key: s.key, Payload: data, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "save snapshot %s", s.key)
	}
	return nil
}

func (s *GormSlot) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("slot_key = ?", s.key).Delete(&Snapshot{}).Error; err != nil {
		return errors.Wrapf(err, "clear snapshot %s", s.key)
	}
	return nil
}
