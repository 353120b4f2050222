package business

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/storage"
	"github.com/aanthord/ingest-amqp/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, id string) (*models.EnrichedMessage, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*models.EnrichedMessage)
	return msg, args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

const a1 = `{"id":"a1","name":"Ada","email":"ada@example.com","content":"hello","timestamp":"2024-03-01T12:00:00.000Z"}`

var defaultMetadata = models.Metadata{Source: "RabbitMQ", Priority: "High"}

var receivedAt = time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)

func newTestProcessor(t *testing.T, store storage.Store) *MessageProcessor {
	t.Helper()
	mp, err := NewMessageProcessor(store, defaultMetadata, time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)
	mp.now = func() time.Time { return receivedAt }
	return mp
}

func TestProcess_EnrichesAndSaves(t *testing.T) {
	store := new(MockStore)
	store.On("Save", mock.Anything, mock.Anything).Return(true, nil)

	res, err := newTestProcessor(t, store).Process(context.Background(), []byte(a1))
	require.NoError(t, err)
	assert.Equal(t, Result{ID: "a1", Inserted: true}, res)

	saved := store.Calls[0].Arguments.Get(1).(*models.EnrichedMessage)
	assert.Equal(t, &models.EnrichedMessage{
		Message: models.Message{
			ID:        "a1",
			Name:      "Ada",
			Email:     "ada@example.com",
			Content:   "hello",
			Timestamp: "2024-03-01T12:00:00.000Z",
		},
		Metadata:   defaultMetadata,
		ReceivedAt: receivedAt,
	}, saved)

	ctx := store.Calls[0].Arguments.Get(0).(context.Context)
	_, hasDeadline := ctx.Deadline()
	assert.True(t, hasDeadline)
}

func TestProcess_MetadataOverwritesIncoming(t *testing.T) {
	store := new(MockStore)
	store.On("Save", mock.Anything, mock.Anything).Return(true, nil)

	body := `{"id":"a2","metadata":{"source":"spoofed","priority":"Low"}}`
	_, err := newTestProcessor(t, store).Process(context.Background(), []byte(body))
	require.NoError(t, err)

	saved := store.Calls[0].Arguments.Get(1).(*models.EnrichedMessage)
	assert.Equal(t, defaultMetadata, saved.Metadata)
}

func TestProcess_Duplicate(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := new(MockStore)
	store.On("Save", mock.Anything, mock.Anything).Return(false, nil)

	mp, err := NewMessageProcessor(store, defaultMetadata, 0, zap.New(core).Sugar())
	require.NoError(t, err)

	res, err := mp.Process(context.Background(), []byte(a1))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, 1, logs.FilterMessage("Message already stored, skipping write").Len())
}

func TestProcess_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"truncated", `{"id":"a1"`},
		{"array", `[1,2,3]`},
		{"missing id", `{"name":"Ada"}`},
		{"empty id", `{"id":""}`},
		{"numeric id", `{"id":42}`},
		{"wrong field type", `{"id":"a1","content":{"nested":true}}`},
		{"upper-case id overrides", `{"id":"a1","ID":"b2"}`},
		{"mixed-case id overrides", `{"id":"a1","Id":"b2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStore)
			_, err := newTestProcessor(t, store).Process(context.Background(), []byte(tt.body))
			assert.True(t, types.IsKind(err, types.KindParse), "got %v", err)
			store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		})
	}
}

func TestProcess_StoreFailure(t *testing.T) {
	store := new(MockStore)
	store.On("Save", mock.Anything, mock.Anything).Return(false, errors.New("server selection timeout"))

	res, err := newTestProcessor(t, store).Process(context.Background(), []byte(a1))
	assert.True(t, types.IsKind(err, types.KindPersistence))
	assert.Equal(t, "a1", res.ID)
}

// flakyStore fails the first failures writes and then passes through.
type flakyStore struct {
	storage.Store
	failures int
}

func (f *flakyStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection refused")
	}
	return f.Store.Save(ctx, msg)
}

func TestProcess_RedeliveryAfterOutageStoresOnce(t *testing.T) {
	sqlite, err := storage.NewSQLiteStore(context.Background(), ":memory:", "messages", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close(context.Background()) })

	mp := newTestProcessor(t, &flakyStore{Store: sqlite, failures: 1})

	_, err = mp.Process(context.Background(), []byte(a1))
	require.True(t, types.IsKind(err, types.KindPersistence))
	_, err = sqlite.Get(context.Background(), "a1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	res, err := mp.Process(context.Background(), []byte(a1))
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	res, err = mp.Process(context.Background(), []byte(a1))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	got, err := sqlite.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "RabbitMQ", got.Metadata.Source)
	assert.Equal(t, "hello", got.Content)
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := compileSchema(`{"type": 12}`)
	assert.Error(t, err)
}
