package playback

import (
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaybackSystem_UpdatePlaybackState_RollsBackOnFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlite")
	ps := NewPlaybackSystem(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, media_id, elapsed, status, is_active").
		WillReturnError(fmt.Errorf("database is locked"))
	mock.ExpectRollback()

	update := Update{
		MediaItem: MediaItem{
			Title:    "a song",
			Category: "track",
			Source:   SourcePlex,
		},
		Elapsed: 10 * time.Second,
		Status:  StatusPlaying,
	}
	err = ps.UpdatePlaybackState(update)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaybackSystem_UpdatePlaybackState_BeginFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin().WillReturnError(fmt.Errorf("connection closed"))

	ps := NewPlaybackSystem(sqlx.NewDb(mockDB, "sqlite"))
	err = ps.UpdatePlaybackState(Update{Status: StatusPlaying})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
