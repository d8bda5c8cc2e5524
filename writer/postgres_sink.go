package writer

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// CandleRow is the relational form of a candle, keyed by (symbol, window_start).
type CandleRow struct {
	Symbol      string          `gorm:"primaryKey;size:32"`
	WindowStart time.Time       `gorm:"primaryKey"`
	WindowEnd   time.Time       `gorm:"not null"`
	Open        decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	High        decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Low         decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Close       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Volume      decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Trades      int64           `gorm:"not null"`
	BuyVolume   decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	SellVolume  decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	UpdatedAt   time.Time
}

func candleRowFrom(c models.Candle) CandleRow {
	return CandleRow{
		Symbol:      c.Symbol,
		WindowStart: c.WindowStart.UTC(),
		WindowEnd:   c.WindowEnd.UTC(),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		Trades:      c.Trades,
		BuyVolume:   c.BuyVolume,
		SellVolume:  c.SellVolume,
	}
}

func (r CandleRow) Candle() models.Candle {
	return models.Candle{
		Symbol:      r.Symbol,
		WindowStart: r.WindowStart.UTC(),
		WindowEnd:   r.WindowEnd.UTC(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		Trades:      r.Trades,
		BuyVolume:   r.BuyVolume,
		SellVolume:  r.SellVolume,
	}
}

// PostgresCandleSink upserts candles so a replayed window overwrites its row.
type PostgresCandleSink struct {
	db    *gorm.DB
	table string
	log   *logger.Log
}

// NewPostgresCandleSink opens the DSN and migrates the candle table.
func NewPostgresCandleSink(cfg appconfig.PostgresSinkConfig) (*PostgresCandleSink, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresCandleSinkFromDB(db, cfg.Table)
}

// NewPostgresCandleSinkFromDB uses an already opened gorm handle.
func NewPostgresCandleSinkFromDB(db *gorm.DB, table string) (*PostgresCandleSink, error) {
	if table == "" {
		table = "candles"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid candle table name %q", table)
	}
	if err := db.Table(table).AutoMigrate(&CandleRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", table, err)
	}

	log := logger.GetLogger()
	log.WithComponent("postgres_sink").WithField("table", table).Info("postgres candle sink initialized")
	return &PostgresCandleSink{db: db, table: table, log: log}, nil
}

func (s *PostgresCandleSink) Name() string { return "postgres" }

func (s *PostgresCandleSink) Write(ctx context.Context, c models.Candle) error {
	row := candleRowFrom(c)
	row.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "window_start"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// Candles returns stored candles for symbol ordered by window start.
func (s *PostgresCandleSink) Candles(ctx context.Context, symbol string) ([]models.Candle, error) {
	var rows []CandleRow
	err := s.db.WithContext(ctx).Table(s.table).
		Where("symbol = ?", symbol).
		Order("window_start").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Candle, len(rows))
	for i, r := range rows {
		out[i] = r.Candle()
	}
	return out, nil
}

func (s *PostgresCandleSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
