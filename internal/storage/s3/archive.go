package s3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec used for archive parts.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Record is one archived document, usually a finished workflow execution.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Manifest describes one archive and the parts it was split into.
type Manifest struct {
	ID           string      `json:"id"`
	Kind         string      `json:"kind"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      time.Time   `json:"end_time"`
	TotalRecords int64       `json:"total_records"`
	RawBytes     int64       `json:"raw_bytes"`
	StoredBytes  int64       `json:"stored_bytes"`
	Compression  Compression `json:"compression"`
	Parts        []Part      `json:"parts"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Part is a single uploaded object of an archive.
type Part struct {
	Number  int    `json:"number"`
	Key     string `json:"key"`
	Records int    `json:"records"`
	Size    int64  `json:"size"`
}

// ArchiverConfig configures archive layout.
type ArchiverConfig struct {
	// Kind is the logical data type, used in object keys.
	Kind string `yaml:"kind"`

	// RecordsPerPart bounds the number of records per uploaded object.
	RecordsPerPart int         `yaml:"records_per_part"`
	Compression    Compression `yaml:"compression"`
}

// DefaultArchiverConfig returns the execution archive layout.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		Kind:           "executions",
		RecordsPerPart: 5000,
		Compression:    CompressionGzip,
	}
}

// Archiver writes records to an ObjectStore as compressed JSON lines plus a manifest.
type Archiver struct {
	store  ObjectStore
	cfg    ArchiverConfig
	logger *slog.Logger
	now    func() time.Time

	recordsArchived atomic.Int64
	partsWritten    atomic.Int64
	storedBytes     atomic.Int64
	errors          atomic.Int64
}

// NewArchiver creates an archiver over store.
func NewArchiver(store ObjectStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	def := DefaultArchiverConfig()
	if cfg.Kind == "" {
		cfg.Kind = def.Kind
	}
	if cfg.RecordsPerPart <= 0 {
		cfg.RecordsPerPart = def.RecordsPerPart
	}
	if cfg.Compression == "" {
		cfg.Compression = def.Compression
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, cfg: cfg, logger: logger, now: time.Now}
}

func manifestKey(kind, id string) string {
	return fmt.Sprintf("manifests/%s/%s.json", kind, id)
}

func (a *Archiver) partKey(id string, n int, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s-part-%04d.jsonl%s",
		a.cfg.Kind, at.UTC().Format("2006/01/02"), id, n, extension(a.cfg.Compression))
}

func extension(c Compression) string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// Archive uploads records and returns the manifest. An empty slice writes nothing.
func (a *Archiver) Archive(ctx context.Context, records []Record) (*Manifest, error) {
	if len(records) == 0 {
		return nil, nil
	}

	now := a.now()
	m := &Manifest{
		ID:          uuid.NewString(),
		Kind:        a.cfg.Kind,
		StartTime:   records[0].Timestamp,
		EndTime:     records[0].Timestamp,
		Compression: a.cfg.Compression,
		CreatedAt:   now,
	}
	for _, r := range records {
		if r.Timestamp.Before(m.StartTime) {
			m.StartTime = r.Timestamp
		}
		if r.Timestamp.After(m.EndTime) {
			m.EndTime = r.Timestamp
		}
	}

	for i, chunk := range splitRecords(records, a.cfg.RecordsPerPart) {
		raw, err := encodeLines(chunk)
		if err != nil {
			a.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to encode part %d: %w", i+1, err)
		}
		body, err := compress(raw, a.cfg.Compression)
		if err != nil {
			a.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to compress part %d: %w", i+1, err)
		}

		key := a.partKey(m.ID, i+1, now)
		err = a.store.Put(ctx, key, body, contentType(a.cfg.Compression), map[string]string{
			"archive-id":   m.ID,
			"record-count": strconv.Itoa(len(chunk)),
			"compression":  string(a.cfg.Compression),
		})
		if err != nil {
			a.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to upload part %d: %w", i+1, err)
		}

		m.Parts = append(m.Parts, Part{Number: i + 1, Key: key, Records: len(chunk), Size: int64(len(body))})
		m.RawBytes += int64(len(raw))
		m.StoredBytes += int64(len(body))
		m.TotalRecords += int64(len(chunk))
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("s3: failed to encode manifest: %w", err)
	}
	if err := a.store.Put(ctx, manifestKey(m.Kind, m.ID), data, "application/json", nil); err != nil {
		a.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	a.recordsArchived.Add(m.TotalRecords)
	a.partsWritten.Add(int64(len(m.Parts)))
	a.storedBytes.Add(m.StoredBytes)

	a.logger.Info("archived records",
		"archive_id", m.ID,
		"kind", m.Kind,
		"records", m.TotalRecords,
		"parts", len(m.Parts),
		"stored_bytes", m.StoredBytes,
	)
	return m, nil
}

// Manifest fetches the manifest of archiveID.
func (a *Archiver) Manifest(ctx context.Context, archiveID string) (*Manifest, error) {
	data, err := a.store.Get(ctx, manifestKey(a.cfg.Kind, archiveID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("s3: corrupt manifest %s: %w", archiveID, err)
	}
	return &m, nil
}

// Restore downloads every part of archiveID and returns its records in archive order.
func (a *Archiver) Restore(ctx context.Context, archiveID string) ([]Record, error) {
	m, err := a.Manifest(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, m.TotalRecords)
	for _, p := range m.Parts {
		body, err := a.store.Get(ctx, p.Key)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to fetch part %d: %w", p.Number, err)
		}
		raw, err := decompress(body, m.Compression)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to decompress part %d: %w", p.Number, err)
		}
		part, err := decodeLines(raw)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to decode part %d: %w", p.Number, err)
		}
		records = append(records, part...)
	}
	return records, nil
}

// ListArchives returns all manifests of the configured kind, oldest first.
// Unreadable manifests are logged and skipped.
func (a *Archiver) ListArchives(ctx context.Context) ([]Manifest, error) {
	objects, err := a.store.List(ctx, "manifests/"+a.cfg.Kind+"/")
	if err != nil {
		return nil, err
	}

	var out []Manifest
	for _, obj := range objects {
		id := strings.TrimSuffix(obj.Key[strings.LastIndex(obj.Key, "/")+1:], ".json")
		m, err := a.Manifest(ctx, id)
		if err != nil {
			a.logger.Warn("skipping unreadable manifest", "key", obj.Key, "error", err)
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteArchive removes every part and then the manifest.
func (a *Archiver) DeleteArchive(ctx context.Context, archiveID string) error {
	m, err := a.Manifest(ctx, archiveID)
	if err != nil {
		return err
	}
	for _, p := range m.Parts {
		if err := a.store.Delete(ctx, p.Key); err != nil {
			return err
		}
	}
	return a.store.Delete(ctx, manifestKey(m.Kind, m.ID))
}

// ArchiverMetrics contains archiver counters.
type ArchiverMetrics struct {
	RecordsArchived int64
	PartsWritten    int64
	StoredBytes     int64
	Errors          int64
}

// Metrics returns current archiver counters.
func (a *Archiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		RecordsArchived: a.recordsArchived.Load(),
		PartsWritten:    a.partsWritten.Load(),
		StoredBytes:     a.storedBytes.Load(),
		Errors:          a.errors.Load(),
	}
}

func splitRecords(records []Record, size int) [][]Record {
	var out [][]Record
	for i := 0; i < len(records); i += size {
		end := min(i+size, len(records))
		out = append(out, records[i:end])
	}
	return out
}

func encodeLines(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeLines(data []byte) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func contentType(c Compression) string {
	switch c {
	case CompressionGzip:
		return "application/gzip"
	case CompressionZstd:
		return "application/zstd"
	default:
		return "application/x-ndjson"
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, errors.New("unsupported compression " + string(c))
	}
}
