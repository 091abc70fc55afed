package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockInserter struct {
	mu      sync.Mutex
	batches [][]int
	fail    int
}

func (m *mockInserter) InsertBatch(_ context.Context, items []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("clickhouse unavailable")
	}
	m.batches = append(m.batches, append([]int(nil), items...))
	return nil
}

func (m *mockInserter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriter_FlushOnSize(t *testing.T) {
	ins := &mockInserter{}
	bw := NewBatchWriter[int](ins, BatchWriterConfig{BatchSize: 3, FlushInterval: time.Hour}, nil)
	defer bw.Close()

	for i := 0; i < 7; i++ {
		if err := bw.Write(i); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	m := bw.Metrics()
	if m.Written != 6 || m.Batches != 2 || m.Pending != 1 {
		t.Errorf("Metrics() = %+v, want written=6 batches=2 pending=1", m)
	}
}

func TestBatchWriter_FlushOnTimer(t *testing.T) {
	ins := &mockInserter{}
	bw := NewBatchWriter[int](ins, BatchWriterConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil)
	defer bw.Close()

	_ = bw.Write(1)
	deadline := time.Now().Add(2 * time.Second)
	for ins.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ins.count() != 1 {
		t.Errorf("timer flush wrote %d items, want 1", ins.count())
	}
}

func TestBatchWriter_RetriesThenFails(t *testing.T) {
	ins := &mockInserter{fail: 10}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	bw := NewBatchWriter[int](ins, BatchWriterConfig{BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 2, RetryDelay: time.Millisecond}, logger)

	_ = bw.Write(1)
	err := bw.Flush()
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}
	if bw.Metrics().Failed != 1 {
		t.Errorf("Failed = %d, want 1", bw.Metrics().Failed)
	}
	out := logs.String()
	if n := strings.Count(out, "retrying"); n != 2 {
		t.Errorf("retry log lines = %d, want 2:\n%s", n, out)
	}
	if n := strings.Count(out, "giving up"); n != 1 {
		t.Errorf("final failure log lines = %d, want 1:\n%s", n, out)
	}
	_ = bw.Close()
}

func TestBatchWriter_RetrySucceeds(t *testing.T) {
	ins := &mockInserter{fail: 1}
	bw := NewBatchWriter[int](ins, BatchWriterConfig{BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 2, RetryDelay: time.Millisecond}, nil)

	_ = bw.Write(1)
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if ins.count() != 1 {
		t.Errorf("inserted %d items, want 1", ins.count())
	}
	_ = bw.Close()
}

func TestBatchWriter_CloseFlushesAndRejects(t *testing.T) {
	ins := &mockInserter{}
	bw := NewBatchWriter[int](ins, BatchWriterConfig{BatchSize: 10, FlushInterval: time.Hour}, nil)

	_ = bw.Write(1)
	_ = bw.Write(2)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ins.count() != 2 {
		t.Errorf("Close() flushed %d items, want 2", ins.count())
	}
	if err := bw.Write(3); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}
