package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour
	defaultBatchSize        = 100
	minBatchSize            = 50
	maxBatchSize            = 1000

	// eventOverhead approximates the ChangeEvent fields around the row data
	// (table, capture instance, LSNs, timestamp) once JSON encoded.
	eventOverhead = 256

	// Service Bus SKU limits
	StandardSKULimit = 256 * 1024  // 256KB
	PremiumSKULimit  = 1024 * 1024 // 1MB
)

// BatchSizer estimates how many change events fit in one queue message
// batch by sampling the newest rows of the change table being read.
type BatchSizer struct {
	db               *sql.DB
	tableName        string
	changeTable      atomic.Pointer[TableID]
	maxMessageSize   int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration

	batchSize      atomic.Int32
	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// WithSampleSize sets the number of records to sample
func WithSampleSize(size int) BatchSizerOption {
	return func(bs *BatchSizer) { bs.sampleSize = size }
}

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) { bs.bufferFactor = factor }
}

// WithResampleInterval sets how often to recalculate batch size
func WithResampleInterval(interval time.Duration) BatchSizerOption {
	return func(bs *BatchSizer) { bs.resampleInterval = interval }
}

func NewBatchSizer(db *sql.DB, tableName string, maxMessageSize int, opts ...BatchSizerOption) *BatchSizer {
	bs := &BatchSizer{
		db:               db,
		tableName:        tableName,
		maxMessageSize:   maxMessageSize,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
	}
	for _, opt := range opts {
		opt(bs)
	}
	return bs
}

// Track points the sizer at the change table that currently receives changes.
func (bs *BatchSizer) Track(changeTable TableID) {
	bs.changeTable.Store(&changeTable)
}

// Start sizes the first batch and keeps resampling until ctx is done.
func (bs *BatchSizer) Start(ctx context.Context) error {
	if err := bs.updateBatchSize(ctx); err != nil {
		return fmt.Errorf("initial batch size calculation failed: %w", err)
	}
	go bs.resample(ctx)
	return nil
}

// GetBatchSize returns the current batch size, or the default before the
// first sample.
func (bs *BatchSizer) GetBatchSize() int32 {
	if size := bs.batchSize.Load(); size > 0 {
		return size
	}
	return defaultBatchSize
}

func (bs *BatchSizer) Store(size int32) {
	if bs.batchSize.Swap(size) != size {
		log.Info("Batch size updated", "table", bs.tableName, "newSize", size)
	}
}

// updateBatchSize never fails the caller: sampling problems fall back to
// the default size.
func (bs *BatchSizer) updateBatchSize(ctx context.Context) error {
	changeTable := bs.changeTable.Load()
	if changeTable == nil {
		log.Debug("No change table to sample yet", "table", bs.tableName)
		bs.Store(defaultBatchSize)
		return nil
	}

	total, count, err := bs.sample(ctx, *changeTable)
	if err != nil {
		log.Warn("Sampling failed, using default batch size", "table", bs.tableName, "changeTable", changeTable.String(), "error", err)
	}
	if count == 0 {
		bs.Store(defaultBatchSize)
		return nil
	}

	avgSize := float64(total) / float64(count)
	effectiveSize := avgSize * (1 + bs.bufferFactor)
	newBatchSize := clampBatchSize(int32(float64(bs.maxMessageSize) / effectiveSize))
	bs.Store(newBatchSize)

	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(count)
	bs.lastAvgRowSize.Store(int32(avgSize))

	log.Debug("Sample metrics",
		"table", bs.tableName,
		"sampleSize", count,
		"avgEventSize", avgSize,
		"effectiveSize", effectiveSize,
		"newBatchSize", newBatchSize)
	return nil
}

// sample returns the summed estimated event size of the newest rows. Rows
// are keyed by data column only, the way they are published.
func (bs *BatchSizer) sample(ctx context.Context, changeTable TableID) (total int64, count int32, err error) {
	query := fmt.Sprintf(`
		SELECT TOP(%d) *
		FROM %s
		ORDER BY __$start_lsn DESC, __$seqval DESC`, bs.sampleSize, changeTable.Quoted())

	rows, err := bs.db.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, 0, err
	}

	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return total, count, err
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if strings.HasPrefix(col, "__$") {
				continue
			}
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			continue
		}
		total += int64(len(encoded) + eventOverhead)
		count++
	}
	return total, count, rows.Err()
}

func clampBatchSize(n int32) int32 {
	switch {
	case n < minBatchSize:
		return minBatchSize
	case n > maxBatchSize:
		return maxBatchSize
	default:
		return n
	}
}

func (bs *BatchSizer) resample(ctx context.Context) {
	ticker := time.NewTicker(bs.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.updateBatchSize(ctx); err != nil {
				log.Error("Failed to update batch size", "table", bs.tableName, "error", err)
			}
		}
	}
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int32
	LastSampleTime   time.Time
	LastSampleSize   int32
	AvgRowSize       int32
	MaxMessageSize   int
	BufferFactor     float64
}

func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	return BatchSizerMetrics{
		CurrentBatchSize: bs.GetBatchSize(),
		LastSampleTime:   time.Unix(bs.lastSampleTime.Load(), 0),
		LastSampleSize:   bs.lastSampleSize.Load(),
		AvgRowSize:       bs.lastAvgRowSize.Load(),
		MaxMessageSize:   bs.maxMessageSize,
		BufferFactor:     bs.bufferFactor,
	}
}
