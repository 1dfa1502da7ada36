package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false, false}, false},
		{"no backends", []bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				m := &MockStorageBackend{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, testLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	testData := []byte("sealed snapshot")
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("connection reset")

	tests := []struct {
		name         string
		setupMocks   func() []interfaces.StorageBackend
		expectedData []byte
		expectedErr  error
		anyErr       bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(testData, nil)
				m2 := &MockStorageBackend{name: "B"}
				return []interfaces.StorageBackend{m1, m2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, testErr)
				m2 := &MockStorageBackend{name: "B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(testData, nil)
				return []interfaces.StorageBackend{m1, m2}
			},
			expectedData: testData,
		},
		{
			name: "missing everywhere",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, interfaces.ErrContentNotFound)
				m2 := &MockStorageBackend{name: "B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, interfaces.ErrContentNotFound)
				return []interfaces.StorageBackend{m1, m2}
			},
			expectedErr: interfaces.ErrContentNotFound,
		},
		{
			name: "missing on one, other unreachable",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, interfaces.ErrContentNotFound)
				m2 := &MockStorageBackend{name: "B"}
				m2.On("Available", mock.Anything).Return(false)
				return []interfaces.StorageBackend{m1, m2}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, testErr)
				return []interfaces.StorageBackend{m1}
			},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			data, err := multi.Fetch(context.Background(), testID, interfaces.SnapshotType)
			switch {
			case tt.expectedErr != nil:
				assert.ErrorIs(t, err, tt.expectedErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	testData := []byte("gap report")
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("access denied")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, testData, interfaces.GapReportType).Return(testID, nil)
				m2 := &MockStorageBackend{name: "B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, testData, interfaces.GapReportType).Return(testID, nil)
				return []interfaces.StorageBackend{m1, m2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, testData, interfaces.GapReportType).Return(testID, nil)
				m2 := &MockStorageBackend{name: "B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Store", mock.Anything, testData, interfaces.GapReportType).Return(interfaces.ContentID{}, testErr)
				return []interfaces.StorageBackend{m1, m2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				m1 := &MockStorageBackend{name: "A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Store", mock.Anything, testData, interfaces.GapReportType).Return(interfaces.ContentID{}, testErr)
				m2 := &MockStorageBackend{name: "B"}
				m2.On("Available", mock.Anything).Return(false)
				return []interfaces.StorageBackend{m1, m2}
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			id, err := multi.Store(context.Background(), testData, interfaces.GapReportType)
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, testID, id)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}
