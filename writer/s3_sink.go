package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// ObjectUploader is the part of *s3.Client the sink needs.
type ObjectUploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// candleRecord is the parquet schema. Decimals stay strings so no
// precision is lost.
type candleRecord struct {
	Symbol      string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart int64  `parquet:"name=window_start, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WindowEnd   int64  `parquet:"name=window_end, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open        string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High        string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low         string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close       string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume      string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	Trades      int64  `parquet:"name=trades, type=INT64"`
	BuyVolume   string `parquet:"name=buy_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellVolume  string `parquet:"name=sell_volume, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// S3CandleSink buffers candles per symbol and uploads them as snappy
// parquet objects when a symbol reaches max_buffered, on every
// flush_interval, and on Close.
type S3CandleSink struct {
	cfg      appconfig.S3SinkConfig
	uploader ObjectUploader
	bucket   string
	log      *logger.Log

	mu        sync.Mutex
	buffer    map[string]map[string]models.Candle
	lastFlush map[string]time.Time
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	uploads   int64
	failures  int64
}

// NewS3Client loads AWS configuration with optional static credentials and
// a custom endpoint for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg appconfig.S3SinkConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func NewS3CandleSink(cfg appconfig.S3SinkConfig, uploader ObjectUploader) (*S3CandleSink, error) {
	if uploader == nil {
		return nil, fmt.Errorf("s3 uploader is required")
	}
	bucket, err := normalizeBucketName(cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	log := logger.GetLogger()
	log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":       bucket,
		"region":       cfg.Region,
		"endpoint":     cfg.Endpoint,
		"path_style":   cfg.PathStyle,
		"max_buffered": cfg.MaxBuffered,
	}).Info("s3 candle sink initialized")

	return &S3CandleSink{
		cfg:       cfg,
		uploader:  uploader,
		bucket:    bucket,
		log:       log,
		buffer:    make(map[string]map[string]models.Candle),
		lastFlush: make(map[string]time.Time),
	}, nil
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

func (s *S3CandleSink) Name() string { return "s3" }

// Start runs the interval flusher until Close.
func (s *S3CandleSink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("s3 candle sink already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	tick := s.cfg.FlushInterval
	if tick > time.Second {
		tick = time.Second
	}
	s.wg.Add(1)
	go s.flushWorker(ctx, tick)
	return nil
}

func (s *S3CandleSink) flushWorker(ctx context.Context, tick time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.flushTimedOut(now)
		}
	}
}

// Write buffers c; a candle with the same window replaces the buffered one.
func (s *S3CandleSink) Write(ctx context.Context, c models.Candle) error {
	symbol := strings.ToUpper(c.Symbol)
	s.mu.Lock()
	if s.buffer[symbol] == nil {
		s.buffer[symbol] = make(map[string]models.Candle)
		s.lastFlush[symbol] = time.Now()
	}
	s.buffer[symbol][c.Key()] = c
	full := len(s.buffer[symbol]) >= s.cfg.MaxBuffered
	s.mu.Unlock()

	if full {
		return s.flushSymbol(ctx, symbol)
	}
	return nil
}

func (s *S3CandleSink) flushTimedOut(now time.Time) {
	s.mu.Lock()
	var due []string
	for symbol, candles := range s.buffer {
		if len(candles) > 0 && now.Sub(s.lastFlush[symbol]) >= s.cfg.FlushInterval {
			due = append(due, symbol)
		}
	}
	s.mu.Unlock()

	for _, symbol := range due {
		if err := s.flushSymbol(context.Background(), symbol); err != nil {
			s.log.WithComponent("s3_sink").WithError(err).WithField("symbol", symbol).Error("interval flush failed")
		}
	}
}

func (s *S3CandleSink) flushSymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	pending := s.buffer[symbol]
	delete(s.buffer, symbol)
	delete(s.lastFlush, symbol)
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	candles := make([]models.Candle, 0, len(pending))
	for _, c := range pending {
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].WindowStart.Before(candles[j].WindowStart) })

	data, err := createParquet(candles)
	if err != nil {
		s.restore(symbol, pending)
		return fmt.Errorf("create parquet for %s: %w", symbol, err)
	}

	key := s.objectKey(symbol, candles)
	_, err = s.uploader.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.restore(symbol, pending)
		return fmt.Errorf("upload %s: %w", key, err)
	}

	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()
	s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(candles),
		"bytes":   len(data),
	}).Info("candle batch uploaded")
	return nil
}

// restore puts a batch that failed to upload back into the buffer so the
// next flush retries it. Candles written since take precedence.
func (s *S3CandleSink) restore(symbol string, pending map[string]models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	buf := s.buffer[symbol]
	if buf == nil {
		buf = make(map[string]models.Candle, len(pending))
		s.buffer[symbol] = buf
		s.lastFlush[symbol] = time.Now()
	}
	for key, c := range pending {
		if _, ok := buf[key]; !ok {
			buf[key] = c
		}
	}
}

func createParquet(candles []models.Candle) ([]byte, error) {
	mf := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mf, new(candleRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, c := range candles {
		rec := candleRecord{
			Symbol:      c.Symbol,
			WindowStart: c.WindowStart.UnixMilli(),
			WindowEnd:   c.WindowEnd.UnixMilli(),
			Open:        c.Open.String(),
			High:        c.High.String(),
			Low:         c.Low.String(),
			Close:       c.Close.String(),
			Volume:      c.Volume.String(),
			Trades:      c.Trades,
			BuyVolume:   c.BuyVolume.String(),
			SellVolume:  c.SellVolume.String(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey is derived from the batch contents, so re-uploading the same
// candles overwrites the same object.
func (s *S3CandleSink) objectKey(symbol string, candles []models.Candle) string {
	first := candles[0].WindowStart.UTC()
	last := candles[len(candles)-1].WindowStart.UTC()
	filename := fmt.Sprintf("%s_%s_%s.parquet", symbol, first.Format("20060102150405"), last.Format("20060102150405"))
	return path.Join(
		s.cfg.Prefix,
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%04d-%02d-%02d", first.Year(), first.Month(), first.Day()),
		filename,
	)
}

// Close stops the flusher and uploads everything still buffered.
func (s *S3CandleSink) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	symbols := make([]string, 0, len(s.buffer))
	for symbol := range s.buffer {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	sort.Strings(symbols)
	var firstErr error
	for _, symbol := range symbols {
		if err := s.flushSymbol(context.Background(), symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Uploads is the number of objects written so far.
func (s *S3CandleSink) Uploads() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// Failures is the number of batches that failed to upload and were kept
// for a retry.
func (s *S3CandleSink) Failures() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Buffered is the number of candles waiting for upload.
func (s *S3CandleSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, candles := range s.buffer {
		n += len(candles)
	}
	return n
}
