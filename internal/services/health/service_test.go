package health

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusWithoutDatabase(t *testing.T) {
	body, ok := NewService(nil).Status(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "memory", body["storage"])
}

func TestStatusPingsDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	body, ok := NewService(db).Status(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "ok", body["database"])

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	body, ok = NewService(db).Status(context.Background())
	assert.False(t, ok)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "unreachable", body["database"])
	require.NoError(t, mock.ExpectationsWereMet())
}
