// Package file implements order.Ledger on top of two JSON documents on local
// disk.
package file

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"

	"github.com/xenking/orderbridge/internal/domain/order"
)

const (
	initialFilterCapacity = 1024
	filterFPR             = 0.001
)

// Ledger keeps the processed set and the pending map in memory and mirrors
// every mutation to disk. Persistence failures are logged; the in-memory
// state stays authoritative for the lifetime of the process.
type Ledger struct {
	processedPath string
	pendingPath   string
	lg            *zap.Logger

	mu             sync.Mutex
	processed      map[string]struct{}
	pending        map[string]order.Order
	filter         *bloom.BloomFilter
	filterCapacity uint
}

var _ order.Ledger = (*Ledger)(nil)

// Open loads both documents. Missing or unreadable documents start empty.
// A ".gz" suffix on either path stores that document gzip-compressed.
func Open(processedPath, pendingPath string, lg *zap.Logger) *Ledger {
	if lg == nil {
		lg = zap.NewNop()
	}
	l := &Ledger{
		processedPath: processedPath,
		pendingPath:   pendingPath,
		lg:            lg,
		processed:     make(map[string]struct{}),
		pending:       make(map[string]order.Order),
	}

	var ids []string
	if err := readDocument(processedPath, &ids); err != nil {
		lg.Warn("Processed ledger unreadable, starting empty",
			zap.String("path", processedPath),
			zap.Error(err),
		)
		ids = nil
	}
	for _, id := range ids {
		l.processed[id] = struct{}{}
	}

	var pending map[string]order.Order
	if err := readDocument(pendingPath, &pending); err != nil {
		lg.Warn("Pending ledger unreadable, starting empty",
			zap.String("path", pendingPath),
			zap.Error(err),
		)
		pending = nil
	}
	for id, o := range pending {
		if o.ID == "" {
			o.ID = id
		}
		if o.LineItems == nil {
			o.LineItems = []order.LineItem{}
		}
		l.pending[id] = o
	}

	l.rebuildFilter()
	lg.Info("Ledger loaded",
		zap.Int("processed", len(l.processed)),
		zap.Int("pending", len(l.pending)),
	)
	return l
}

// IsProcessed reports whether id reached the terminal state.
func (l *Ledger) IsProcessed(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isProcessed(id), nil
}

// MarkProcessed adds id to the processed set.
func (l *Ledger) MarkProcessed(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isProcessed(id) {
		return nil
	}
	l.addProcessed(id)
	l.flushProcessed()
	return nil
}

// PutPending stores or replaces the snapshot for o.ID.
func (l *Ledger) PutPending(_ context.Context, o order.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[o.ID] = o
	l.flushPending()
	return nil
}

// GetPending returns a copy of the pending snapshot for id.
func (l *Ledger) GetPending(_ context.Context, id string) (*order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.pending[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

// RemovePending drops id from the pending map. Removing an absent id is a
// no-op.
func (l *Ledger) RemovePending(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[id]; !ok {
		return nil
	}
	delete(l.pending, id)
	l.flushPending()
	return nil
}

// Admit records o as pending unless its id is processed.
func (l *Ledger) Admit(_ context.Context, o order.Order) (order.AdmitOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isProcessed(o.ID) {
		return order.AlreadyProcessed, nil
	}
	prev, existed := l.pending[o.ID]
	o.Notified = prev.Notified
	l.pending[o.ID] = o
	l.flushPending()
	switch {
	case !existed:
		return order.Admitted, nil
	case !prev.Notified:
		return order.PendingUnannounced, nil
	default:
		return order.AlreadyPending, nil
	}
}

// MarkNotified sets the Notified flag of a pending snapshot.
func (l *Ledger) MarkNotified(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.pending[id]
	if !ok || o.Notified {
		return nil
	}
	o.Notified = true
	l.pending[id] = o
	l.flushPending()
	return nil
}

// Promote moves id from pending to processed. The processed document is
// written first so a crash in between leaves the id in both documents,
// which the workflow treats as processed.
func (l *Ledger) Promote(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isProcessed(id) {
		l.addProcessed(id)
		l.flushProcessed()
	}
	if _, ok := l.pending[id]; ok {
		delete(l.pending, id)
		l.flushPending()
	}
	return nil
}

// ListPending returns pending snapshots, oldest first.
func (l *Ledger) ListPending(_ context.Context) ([]order.Order, error) {
	l.mu.Lock()
	out := make([]order.Order, 0, len(l.pending))
	for _, o := range l.pending {
		out = append(out, o)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListProcessed returns processed ids in lexical order.
func (l *Ledger) ListProcessed(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processedIDs(), nil
}

// Counts reports the size of both stores.
func (l *Ledger) Counts(_ context.Context) (order.Counts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return order.Counts{Pending: len(l.pending), Processed: len(l.processed)}, nil
}

// Writable checks that both document directories accept new files.
func (l *Ledger) Writable(_ context.Context) error {
	for _, path := range []string{l.processedPath, l.pendingPath} {
		f, err := os.CreateTemp(filepath.Dir(path), ".probe-*")
		if err != nil {
			return errors.Wrapf(err, "probe %s", filepath.Dir(path))
		}
		name := f.Name()
		_ = f.Close()
		if err := os.Remove(name); err != nil {
			return errors.Wrapf(err, "remove probe %s", name)
		}
	}
	return nil
}

func (l *Ledger) isProcessed(id string) bool {
	if !l.filter.TestString(id) {
		return false
	}
	_, ok := l.processed[id]
	return ok
}

func (l *Ledger) addProcessed(id string) {
	l.processed[id] = struct{}{}
	if uint(len(l.processed)) > l.filterCapacity {
		l.rebuildFilter()
		return
	}
	l.filter.AddString(id)
}

// rebuildFilter sizes the filter to twice the processed set.
func (l *Ledger) rebuildFilter() {
	capacity := uint(initialFilterCapacity)
	for capacity < uint(len(l.processed))*2 {
		capacity *= 2
	}
	l.filter = bloom.NewWithEstimates(capacity, filterFPR)
	l.filterCapacity = capacity
	for id := range l.processed {
		l.filter.AddString(id)
	}
}

func (l *Ledger) processedIDs() []string {
	ids := make([]string, 0, len(l.processed))
	for id := range l.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) flushProcessed() {
	if err := writeDocument(l.processedPath, l.processedIDs()); err != nil {
		l.lg.Error("Failed to persist processed ledger",
			zap.String("path", l.processedPath),
			zap.Error(err),
		)
	}
}

func (l *Ledger) flushPending() {
	if err := writeDocument(l.pendingPath, l.pending); err != nil {
		l.lg.Error("Failed to persist pending ledger",
			zap.String("path", l.pendingPath),
			zap.Error(err),
		)
	}
}

func compressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// readDocument decodes path into v. A missing file leaves v untouched.
func readDocument(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if compressed(path) {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrap(err, "gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}

// writeDocument replaces path atomically: the document is written to a
// sibling temp file, synced and renamed over the target.
func writeDocument(path string, v any) (rerr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() {
		if rerr != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	var gz *pgzip.Writer
	if compressed(path) {
		gz = pgzip.NewWriter(tmp)
		w = gz
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "flush gzip")
		}
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename")
	}
	return nil
}
