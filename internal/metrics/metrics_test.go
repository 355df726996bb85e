package metrics

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounterHeaderAndSliceLineUp(t *testing.T) {
	c := New()
	c.SessionsOpened.Store(3)
	c.MessagesLocal.Store(7)
	require.Equal(t, len(c.Header()), len(c.ToSlice()))
}

func TestRunLoggerWritesCSVRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics-2006.csv")
	// The basename is a time layout, so the file on disk carries the
	// current year.
	written := filepath.Join(dir, time.Now().Format("metrics-2006.csv"))

	c := New()
	c.SessionsOpened.Store(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunLogger(ctx, path, 10*time.Millisecond, c)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(written)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logger did not stop after cancellation")
	}

	f, err := os.Open(written)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 2)
	require.Equal(t, "unix", rows[0][0])
}

func TestRunLoggerNoopWhenDisabled(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		RunLogger(context.Background(), "", time.Second, c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logger with empty path should return immediately")
	}
}
