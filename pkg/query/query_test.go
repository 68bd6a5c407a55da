package query

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-db/pgengine/pkg/pgerr"
)

type recordingSink struct {
	desc     *pgproto3.RowDescription
	rows     [][][]byte
	finished bool
}

func (s *recordingSink) SetRowDescription(desc *pgproto3.RowDescription) { s.desc = desc }
func (s *recordingSink) Row(values [][]byte)                            { s.rows = append(s.rows, values) }
func (s *recordingSink) Finish()                                        { s.finished = true }

func TestQuery_SucceedResolvesWait(t *testing.T) {
	sink := &recordingSink{}
	q := New("SELECT 1", nil, sink)

	q.Succeed("SELECT 1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := q.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.Tag)
	assert.NoError(t, result.Err)
}

func TestQuery_FailResolvesWaitWithError(t *testing.T) {
	q := New("SELECT 1/0", nil, &recordingSink{})
	serverErr := pgerr.New(pgerr.SeverityError, "22012", "division by zero", nil)
	q.Fail(serverErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := q.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, serverErr, result.Err)
}

func TestQuery_FailAfterSucceedIsNoOp(t *testing.T) {
	q := New("SELECT 1", nil, &recordingSink{})
	q.Succeed("SELECT 1")
	q.Fail(pgerr.ErrDisconnected) // must not panic or deadlock

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := q.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.Tag)
}

func TestQuery_FailIfPendingLeavesSuccessAlone(t *testing.T) {
	q := New("SELECT 1", nil, &recordingSink{})
	q.Succeed("SELECT 1")
	q.FailIfPending()

	result, err := q.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", result.Tag)
}

func TestQuery_MarkReadyToStreamIsIdempotent(t *testing.T) {
	q := New("COPY t FROM STDIN", nil, &recordingSink{})
	q.MarkReadyToStream()
	q.MarkReadyToStream() // must not panic on double-close

	select {
	case <-q.ReadyToStream():
	default:
		t.Fatal("expected ReadyToStream to be closed")
	}
}

func TestQuery_WaitRespectsContextCancellation(t *testing.T) {
	q := New("SELECT pg_sleep(100)", nil, &recordingSink{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
