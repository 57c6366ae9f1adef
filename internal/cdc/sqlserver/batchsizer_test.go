package sqlserver

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSizerDefaultsWithoutChangeTable(t *testing.T) {
	conn, mock := newMockDB(t)
	bs := NewBatchSizer(conn, "dbo.Persons", StandardSKULimit)

	assert.Equal(t, int32(defaultBatchSize), bs.GetBatchSize())
	require.NoError(t, bs.updateBatchSize(context.Background()))
	assert.Equal(t, int32(defaultBatchSize), bs.GetBatchSize())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchSizerSamplesTrackedChangeTable(t *testing.T) {
	conn, mock := newMockDB(t)
	bs := NewBatchSizer(conn, "dbo.Persons", 200_000, WithBufferFactor(0), WithSampleSize(10))
	bs.Track(TableID{Catalog: "inventory", Schema: "cdc", Table: "dbo_Persons_CT"})

	// {"p":"..."} marshals to 744 bytes, 1000 with the event overhead.
	payload := strings.Repeat("x", 1000-eventOverhead-8)
	mock.ExpectQuery(`TOP\(10\) \*\s+FROM \[cdc\]\.\[dbo_Persons_CT\]`).
		WillReturnRows(sqlmock.NewRows([]string{"__$start_lsn", "p"}).
			AddRow(lsnOf(2).Bytes(), payload).
			AddRow(lsnOf(1).Bytes(), []byte(payload)))

	require.NoError(t, bs.updateBatchSize(context.Background()))
	assert.Equal(t, int32(200), bs.GetBatchSize())

	metrics := bs.GetMetrics()
	assert.Equal(t, int32(2), metrics.LastSampleSize)
	assert.Equal(t, int32(1000), metrics.AvgRowSize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchSizerFallsBackOnQueryError(t *testing.T) {
	conn, mock := newMockDB(t)
	bs := NewBatchSizer(conn, "dbo.Persons", StandardSKULimit)
	bs.Track(TableID{Schema: "cdc", Table: "dbo_Persons_CT"})
	bs.Store(500)

	mock.ExpectQuery(regexp.QuoteMeta("FROM [cdc].[dbo_Persons_CT]")).WillReturnError(errors.New("permission denied"))

	require.NoError(t, bs.updateBatchSize(context.Background()))
	assert.Equal(t, int32(defaultBatchSize), bs.GetBatchSize())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClampBatchSize(t *testing.T) {
	testCases := []struct {
		in, want int32
	}{
		{in: 0, want: minBatchSize},
		{in: 49, want: minBatchSize},
		{in: 50, want: 50},
		{in: 640, want: 640},
		{in: 1000, want: 1000},
		{in: 5000, want: maxBatchSize},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, clampBatchSize(tc.in), "clamp(%d)", tc.in)
	}
}
