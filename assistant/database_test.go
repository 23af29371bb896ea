package assistant

import (
	"context"
	"encoding/json"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "audit.sqlite3")
	gormLogger := newGORMLogger(
		tint.NewHandler(io.Discard, nil),
		DefaultDatabaseSlowThreshold,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := CreateDB(ctx, dbTypeSQLite, dbPath, gormLogger)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestCreateDB(t *testing.T) {
	db := newTestDB(t)
	assert.True(t, db.Migrator().HasTable(&SuggestionCommand{}))
	assert.True(t, db.Migrator().HasTable(&InteractionLog{}))

	_, err := CreateDB(context.Background(), "mysql", "whatever", nil)
	assert.Error(t, err)
}

func TestDatabase_CreateAndUpdate(t *testing.T) {
	db := newTestDB(t)
	writeDB := NewDatabase(db, nil, false)
	assert.Same(t, db, writeDB.DB())

	ctx := context.Background()
	cmd := &SuggestionCommand{
		UserID:        "42",
		Command:       DiscordSlashCommandSuggest,
		CategoryLabel: "food",
		Item:          "Tacos",
		State:         CommandStateReceived,
	}
	rows, err := writeDB.Create(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	require.NotZero(t, cmd.ID)
	assert.NotZero(t, cmd.CreatedAt)

	rows, err = writeDB.Updates(
		ctx,
		cmd,
		map[string]any{"state": CommandStateCompleted, "response": "done"},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var saved SuggestionCommand
	require.NoError(t, db.First(&saved, cmd.ID).Error)
	assert.Equal(t, CommandStateCompleted, saved.State)
	assert.Equal(t, "done", saved.Response)
	assert.Empty(t, saved.Error)

	// omitted fields aren't written
	other := &SuggestionCommand{UserID: "43", Command: DiscordSlashCommandClear, Response: "skipped"}
	_, err = writeDB.Create(ctx, other, "Response")
	require.NoError(t, err)
	require.NoError(t, db.First(&saved, other.ID).Error)
	assert.Empty(t, saved.Response)
}

func TestDatabase_SerializedWrites(t *testing.T) {
	db := newTestDB(t)
	writeDB := NewDatabase(db, nil, false)

	var wg sync.WaitGroup
	for n := 0; n < 25; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := writeDB.Create(
				context.Background(),
				&InteractionLog{InteractionID: "i", Payload: "{}"},
			)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&InteractionLog{}).Count(&count).Error)
	assert.Equal(t, int64(25), count)
}

func TestNullableString(t *testing.T) {
	var ns NullableString
	v, err := ns.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	ns = "oops"
	v, err = ns.Value()
	require.NoError(t, err)
	assert.Equal(t, "oops", v)

	require.NoError(t, ns.Scan(nil))
	assert.Empty(t, ns)
	require.NoError(t, ns.Scan([]byte("bytes")))
	assert.Equal(t, NullableString("bytes"), ns)
	assert.Error(t, ns.Scan(12))

	data, err := json.Marshal(NullableString(""))
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	data, err = json.Marshal(NullableString("bad"))
	require.NoError(t, err)
	assert.Equal(t, `"bad"`, string(data))
}
