package hana

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/hana-cdc/pkg/cdc"
)

var recordedAt = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

func poisonRows(acked interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(poisonColumns).AddRow(
		"c1", int64(8), "S", "T", "DELETE", "parse payload: unexpected end of JSON input",
		`{"id":`, nil, recordedAt, acked)
}

func newTestPoisonLog(t *testing.T) (*PoisonLog, sqlmock.Sqlmock) {
	pool, mock := newMockPool(t, 2)
	return NewPoisonLog(pool, LayoutFor(testConfig())), mock
}

func TestRecordPoisonReturnsStoredRow(t *testing.T) {
	log, mock := newTestPoisonLog(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "CDC"."cdc_poison"`)).
		WithArgs("c1", int64(8), "S", "T", "DELETE", "bad payload", `{"id":`, nil, recordedAt, "c1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "CDC"."cdc_poison" WHERE "client_id" = ? AND "event_id" = ?`)).
		WithArgs("c1", int64(8)).
		WillReturnRows(poisonRows(recordedAt))

	stored, err := log.Record(context.Background(), "c1", cdc.PoisonEvent{
		EventID:      8,
		Table:        tableST,
		TriggerType:  cdc.TriggerDelete,
		Error:        "bad payload",
		RawOldValues: `{"id":`,
		RecordedAt:   recordedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(8), stored.EventID)
	assert.Equal(t, cdc.TriggerDelete, stored.TriggerType)
	assert.False(t, stored.Pending(), "an earlier acknowledgement is kept")
}

func TestPendingPoison(t *testing.T) {
	log, mock := newTestPoisonLog(t)

	mock.ExpectQuery(regexp.QuoteMeta(`"acknowledged_at" IS NULL ORDER BY "event_id"`)).
		WithArgs("c1").
		WillReturnRows(poisonRows(nil))

	pending, err := log.Pending(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Pending())
	assert.Equal(t, tableST, pending[0].Table)
	assert.Empty(t, pending[0].RawNewValues)
}

func TestAcknowledgePoison(t *testing.T) {
	log, mock := newTestPoisonLog(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "CDC"."cdc_poison" SET "acknowledged_at"`)).
		WithArgs("c1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, log.Acknowledge(context.Background(), "c1", 8))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "CDC"."cdc_poison"`)).
		WithArgs("c1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "CDC"."cdc_poison"`)).
		WithArgs("c1", int64(8)).
		WillReturnRows(poisonRows(recordedAt))
	require.NoError(t, log.Acknowledge(context.Background(), "c1", 8))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "CDC"."cdc_poison"`)).
		WithArgs("c1", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "CDC"."cdc_poison"`)).
		WithArgs("c1", int64(99)).
		WillReturnRows(sqlmock.NewRows(poisonColumns))
	err := log.Acknowledge(context.Background(), "c1", 99)
	assert.True(t, errors.Is(err, ErrPoisonNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}
