package scans

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
	allowed := map[Status]map[Status]bool{
		StatusPending: {StatusRunning: true, StatusCompleted: true, StatusFailed: true},
		StatusRunning: {StatusCompleted: true, StatusFailed: true},
	}

	for _, from := range all {
		for _, to := range all {
			from, to := from, to
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, allowed[from][to], from.CanTransitionTo(to))
			})
		}
	}
}

func TestStatus_ValidateTransition(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	err := StatusCompleted.ValidateTransition(id, StatusFailed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, id, terr.ScanID)
	assert.Equal(t, StatusCompleted, terr.From)
	assert.Equal(t, StatusFailed, terr.To)

	assert.NoError(t, StatusRunning.ValidateTransition(id, StatusCompleted))
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Status
		wantErr bool
	}{
		{name: "pending", input: "pending", want: StatusPending},
		{name: "running", input: "running", want: StatusRunning},
		{name: "completed", input: "completed", want: StatusCompleted},
		{name: "failed", input: "failed", want: StatusFailed},
		{name: "uppercase rejected", input: "RUNNING", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStatus(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ErrorKindNone},
		{name: "not found", err: ErrScanNotFound, want: ErrorKindNotFound},
		{name: "transition", err: &TransitionError{From: StatusCompleted}, want: ErrorKindInvalidTransition},
		{name: "input", err: ErrInvalidInput, want: ErrorKindInvalidInput},
		{name: "schema cache", err: errors.Join(ErrSchemaCache, errors.New("x")), want: ErrorKindSchemaCache},
		{name: "store error", err: &StoreError{Op: "insert", Code: "23505", Message: "duplicate key"}, want: ErrorKindStorage},
		{name: "unknown", err: errors.New("connection reset"), want: ErrorKindStorage},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStoreError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &StoreError{Op: "update", Code: "PGRST204", Message: "stale", Err: cause}

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "update: [PGRST204] stale", err.Error())
}
