// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
)

// GormPostgreSQL is the Postgres store. Change notifications come from the
// LISTEN/NOTIFY feed when a Notifier is attached, otherwise from local writes.
type GormPostgreSQL struct {
	db       *gorm.DB
	hub      *hub
	notifier *Notifier
}

// zapWriter routes gorm's logger into the service logger.
type zapWriter struct{}

func (zapWriter) Printf(format string, args ...interface{}) {
	logger.Log.Debugf(format, args...)
}

// NewGormPostgreSQL connects, migrates and installs the change triggers.
func NewGormPostgreSQL(dsn string) (*GormPostgreSQL, error) {
	gormLogger := gormlogger.New(
		zapWriter{},
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, err
	}
	if err := installTriggers(db); err != nil {
		return nil, err
	}

	return &GormPostgreSQL{db: db, hub: newHub()}, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Participant{},
		&models.DrinkEntry{},
		&models.RouteStop{},
		&models.CrawlState{},
		&models.PongMatch{},
		&models.CurrentMatch{},
	)
}

// Listen attaches a LISTEN/NOTIFY feed so writes from every replica reach
// this store's subscribers.
func (p *GormPostgreSQL) Listen(dsn string) error {
	n, err := NewNotifier(dsn, p.hub)
	if err != nil {
		return err
	}
	p.notifier = n
	return nil
}

func (p *GormPostgreSQL) changed(table string) {
	if p.notifier == nil {
		p.hub.notify(table)
	}
}

func (p *GormPostgreSQL) ReadAll(ctx context.Context, table string, dest any) error {
	if !knownTable(table) {
		return storeErr("read", table, "", ErrUnknownTable)
	}
	err := p.db.WithContext(ctx).Table(table).Order(orderColumns[table]).Find(dest).Error
	return storeErr("read", table, "", err)
}

func (p *GormPostgreSQL) Get(ctx context.Context, table, id string, dest any) error {
	if !knownTable(table) {
		return storeErr("get", table, id, ErrUnknownTable)
	}
	err := p.db.WithContext(ctx).Table(table).Where("id = ?", id).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrRecordNotFound
	}
	return storeErr("get", table, id, err)
}

func (p *GormPostgreSQL) Insert(ctx context.Context, table string, record models.Record) error {
	if !knownTable(table) {
		return storeErr("insert", table, "", ErrUnknownTable)
	}
	if record.GetID() == "" {
		record.SetID(uuid.NewString())
	}
	if err := p.db.WithContext(ctx).Table(table).Create(record).Error; err != nil {
		return storeErr("insert", table, record.GetID(), err)
	}
	p.changed(table)
	return nil
}

func (p *GormPostgreSQL) Update(ctx context.Context, table, id string, fields map[string]any) error {
	if !knownTable(table) {
		return storeErr("update", table, id, ErrUnknownTable)
	}
	result := p.db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return storeErr("update", table, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return storeErr("update", table, id, ErrRecordNotFound)
	}
	p.changed(table)
	return nil
}

func (p *GormPostgreSQL) Delete(ctx context.Context, table, id string) error {
	if !knownTable(table) {
		return storeErr("delete", table, id, ErrUnknownTable)
	}
	err := p.db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id).Error
	if err != nil {
		return storeErr("delete", table, id, err)
	}
	p.changed(table)
	return nil
}

func (p *GormPostgreSQL) DeleteAll(ctx context.Context, table string) error {
	if !knownTable(table) {
		return storeErr("delete", table, "", ErrUnknownTable)
	}
	if err := p.db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
		return storeErr("delete", table, "", err)
	}
	p.changed(table)
	return nil
}

func (p *GormPostgreSQL) Subscribe(table string, onChange func()) func() {
	return p.hub.subscribe(table, onChange)
}

func (p *GormPostgreSQL) Close() error {
	if p.notifier != nil {
		if err := p.notifier.Close(); err != nil {
			logger.Log.Warnf("close notifier: %v", err)
		}
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
