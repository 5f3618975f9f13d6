package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strand-io/strand/internal/catalog"
	"github.com/strand-io/strand/internal/chunk"
	"github.com/strand-io/strand/internal/codec"
	"github.com/strand-io/strand/internal/index"
	"github.com/strand-io/strand/internal/metrics"
	"github.com/strand-io/strand/internal/serrors"
	"github.com/strand-io/strand/internal/util"
)

// Direction selects the read order over a stream
type Direction int

const (
	Forwards Direction = iota
	Backwards
)

// StartKind anchors a read or subscription
type StartKind int

const (
	StartBeginning StartKind = iota
	StartEnd
	StartRevision
)

// Start is the resolved starting point of a read or subscription
type Start struct {
	Kind     StartKind
	Revision uint64
}

// Beginning starts at revision 0
func Beginning() Start { return Start{Kind: StartBeginning} }

// End starts at the stream's commit tail
func End() Start { return Start{Kind: StartEnd} }

// From starts at a specific revision
func From(rev uint64) Start { return Start{Kind: StartRevision, Revision: rev} }

// ProposedEvent is an event offered for appending; revision, position,
// and created timestamp are assigned at commit
type ProposedEvent struct {
	ID          codec.ID
	Class       string
	ContentType codec.ContentType
	Data        []byte
	Metadata    []byte
}

// WriteResult reports a successful append or delete
type WriteResult struct {
	Position     uint64
	NextRevision uint64
}

// Config holds engine configuration
type Config struct {
	DataDir          string
	Chunk            chunk.Config
	Index            index.Config
	SubscriberBuffer int
}

// Engine is the request processor: it translates append, read, and
// subscribe requests into chunk log and index operations while enforcing
// the expected-revision protocol.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	log *chunk.Log
	lsm *index.LSM
	cat *catalog.Catalog

	// ingestMu serializes the global log writer; streamLocks serialize
	// writers per stream
	ingestMu    sync.Mutex
	streamLocks sync.Map

	clock func() int64
}

// Open opens the engine at cfg.DataDir, recovering catalog and index
// state from the chunk log. The log is authoritative: when the index
// manifest is missing or inconsistent the whole index is rebuilt.
func Open(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}

	log, err := chunk.Open(filepath.Join(cfg.DataDir, "chunks"), cfg.Chunk, logger)
	if err != nil {
		return nil, err
	}

	lsm, manifestOK, err := index.Open(filepath.Join(cfg.DataDir, "index"), cfg.Index, logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		log:     log,
		lsm:     lsm,
		cat:     catalog.New(logger),
		clock:   func() int64 { return time.Now().UnixMilli() },
	}

	if err := e.recover(manifestOK); err != nil {
		lsm.Close()
		log.Close()
		return nil, err
	}
	return e, nil
}

// recover scans the chunk log once, rebuilding the catalog completely
// and re-inserting index entries past the flushed boundary
func (e *Engine) recover(manifestOK bool) error {
	indexedThrough := e.lsm.IndexedThrough()
	if !manifestOK {
		indexedThrough = 0
	}
	if indexedThrough > e.log.Checkpoint() {
		// The manifest claims more than the log holds (e.g. the tail was
		// truncated); the log wins
		e.logger.Warn("Index manifest ahead of chunk log, rebuilding",
			zap.Uint64("indexed_through", indexedThrough),
			zap.Uint64("checkpoint", e.log.Checkpoint()))
		e.lsm.Reset()
		indexedThrough = 0
	}

	var replayed, indexed int
	err := e.log.Scan(0, func(pos uint64, payload []byte) error {
		rec, err := codec.DecodeRecord(payload)
		if err != nil {
			return err
		}
		switch r := rec.(type) {
		case *codec.RecordedEvent:
			if err := e.cat.Advance(r.StreamName, r.Revision); err != nil {
				return serrors.Corruption("log replay: out-of-order revision", err)
			}
			if pos >= indexedThrough {
				key := index.Key{Hash: util.HashStreamName(r.StreamName), Revision: r.Revision}
				if err := e.lsm.Put(key, pos); err != nil {
					return err
				}
				indexed++
			}
		case *codec.StreamDeleted:
			e.cat.Tombstone(r.StreamName, r.Revision)
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	e.lsm.NoteBoundary(e.log.Checkpoint())

	e.logger.Info("Recovery completed",
		zap.Int("records_replayed", replayed),
		zap.Int("entries_reindexed", indexed),
		zap.Int("streams", e.cat.StreamCount()),
		zap.Uint64("checkpoint", e.log.Checkpoint()))
	return nil
}

func (e *Engine) streamLock(stream string) *sync.Mutex {
	mu, _ := e.streamLocks.LoadOrStore(stream, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append appends a batch of events to a stream under the expected
// revision precondition. The batch is covered by a single fsync; the
// index and catalog advance only after the log is durable.
func (e *Engine) Append(ctx context.Context, stream string, expected catalog.ExpectedRevision, events []ProposedEvent) (*WriteResult, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("append requires at least one event")
	}
	if err := ctx.Err(); err != nil {
		return nil, serrors.Unavailable("append canceled", err)
	}
	start := time.Now()

	mu := e.streamLock(stream)
	mu.Lock()
	defer mu.Unlock()

	next, err := e.cat.CheckExpected(stream, expected)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	recorded := make([]*codec.RecordedEvent, len(events))
	for i, ev := range events {
		recorded[i] = &codec.RecordedEvent{
			ID:          ev.ID,
			Revision:    next + uint64(i),
			StreamName:  stream,
			Class:       ev.Class,
			Created:     now,
			Data:        ev.Data,
			Metadata:    ev.Metadata,
			ContentType: ev.ContentType,
		}
	}

	positions, err := e.commit(recorded, nil)
	if err != nil {
		return nil, err
	}
	for i, pos := range positions {
		recorded[i].Position = pos
	}

	hash := util.HashStreamName(stream)
	for i, pos := range positions {
		if err := e.lsm.Put(index.Key{Hash: hash, Revision: recorded[i].Revision}, pos); err != nil {
			return nil, err
		}
	}
	e.lsm.NoteBoundary(e.log.Checkpoint())

	lastRev := recorded[len(recorded)-1].Revision
	if err := e.cat.Advance(stream, lastRev); err != nil {
		return nil, err
	}
	e.cat.Publish(stream, recorded)

	if e.metrics != nil {
		e.metrics.AppendsTotal.Inc()
		e.metrics.AppendedEvents.Add(float64(len(events)))
		e.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}

	return &WriteResult{
		Position:     positions[len(positions)-1],
		NextRevision: lastRev + 1,
	}, nil
}

// Delete writes a tombstone for the stream under the expected revision
// precondition. The tombstone occupies the next revision.
func (e *Engine) Delete(ctx context.Context, stream string, expected catalog.ExpectedRevision) (*WriteResult, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, serrors.Unavailable("delete canceled", err)
	}

	mu := e.streamLock(stream)
	mu.Lock()
	defer mu.Unlock()

	next, err := e.cat.CheckExpected(stream, expected)
	if err != nil {
		return nil, err
	}

	tombstone := &codec.StreamDeleted{
		StreamName: stream,
		Revision:   next,
		Created:    e.clock(),
	}
	positions, err := e.commit(nil, tombstone)
	if err != nil {
		return nil, err
	}

	e.cat.Tombstone(stream, next)
	if e.metrics != nil {
		e.metrics.DeletesTotal.Inc()
	}

	return &WriteResult{
		Position:     positions[0],
		NextRevision: next + 1,
	}, nil
}

// commit writes the given records to the chunk log under the ingestion
// mutex and fsyncs once. On any write error the active chunk is rolled
// back so no attempted position is ever observable.
func (e *Engine) commit(events []*codec.RecordedEvent, tombstone *codec.StreamDeleted) ([]uint64, error) {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	n := len(events)
	if tombstone != nil {
		n++
	}
	positions := make([]uint64, 0, n)

	rollback := e.log.Checkpoint()
	fail := func(err error) ([]uint64, error) {
		if terr := e.log.TruncateTo(rollback); terr != nil {
			e.logger.Error("Failed to roll back chunk log after write error", zap.Error(terr))
		}
		return nil, err
	}

	for _, rec := range events {
		pos, err := e.log.Append(codec.EncodeRecord(rec))
		if err != nil {
			return fail(err)
		}
		positions = append(positions, pos)
	}
	if tombstone != nil {
		pos, err := e.log.Append(codec.EncodeRecord(tombstone))
		if err != nil {
			return fail(err)
		}
		positions = append(positions, pos)
	}

	if err := e.log.Flush(); err != nil {
		return fail(err)
	}
	return positions, nil
}

// readWindow resolves a read request to an inclusive revision range.
// ok is false when the resolved window is empty.
func readWindow(state catalog.StreamState, dir Direction, start Start, maxCount uint64) (uint64, uint64, bool) {
	if maxCount == 0 {
		return 0, 0, false
	}

	// The tombstone occupies a revision with no event record
	lastEvent := state.CurrentRevision
	if state.Deleted {
		if state.DeletedAt == 0 {
			return 0, 0, false
		}
		lastEvent = state.DeletedAt - 1
	}

	switch dir {
	case Forwards:
		var from uint64
		switch start.Kind {
		case StartBeginning:
			from = 0
		case StartEnd:
			return 0, 0, false
		case StartRevision:
			from = start.Revision
		}
		if from > lastEvent {
			return 0, 0, false
		}
		to := lastEvent
		if span := to - from + 1; span > maxCount {
			to = from + maxCount - 1
		}
		return from, to, true
	default:
		to := lastEvent
		if start.Kind == StartRevision {
			if start.Revision < to {
				to = start.Revision
			}
		} else if start.Kind == StartBeginning {
			to = 0
		}
		from := uint64(0)
		if to+1 > maxCount {
			from = to + 1 - maxCount
		}
		return from, to, true
	}
}

// Read streams events of one stream in the requested direction, calling
// fn for each. It terminates when the range is exhausted, maxCount is
// reached, or the tombstone is encountered; cancellation is observed
// between record fetches.
func (e *Engine) Read(ctx context.Context, stream string, dir Direction, start Start, maxCount uint64, fn func(*codec.RecordedEvent) error) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	begin := time.Now()

	state := e.cat.State(stream)
	if !state.Exists {
		return serrors.NotFound(stream)
	}

	from, to, ok := readWindow(state, dir, start, maxCount)
	if ok {
		if dir == Forwards {
			err := e.readForward(ctx, stream, from, to, fn)
			if err != nil {
				return err
			}
		} else {
			if err := e.readBackward(ctx, stream, from, to, fn); err != nil {
				return err
			}
		}
	}

	if e.metrics != nil {
		e.metrics.ReadsTotal.Inc()
		e.metrics.ReadDuration.Observe(time.Since(begin).Seconds())
	}
	return nil
}

// fetch reads and decodes the event at pos, confirming that it belongs
// to the expected stream. A name mismatch means a stream-hash collision;
// the entry is skipped.
func (e *Engine) fetch(stream string, pos uint64) (*codec.RecordedEvent, error) {
	payload, err := e.log.ReadAt(pos)
	if err != nil {
		return nil, err
	}
	rec, err := codec.DecodeRecord(payload)
	if err != nil {
		return nil, err
	}
	ev, ok := rec.(*codec.RecordedEvent)
	if !ok {
		return nil, nil
	}
	if ev.StreamName != stream {
		return nil, nil
	}
	ev.Position = pos
	return ev, nil
}

func (e *Engine) readForward(ctx context.Context, stream string, from, to uint64, fn func(*codec.RecordedEvent) error) error {
	it := e.lsm.Range(util.HashStreamName(stream), from, to)
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return serrors.Unavailable("read canceled", err)
		}
		ev, err := e.fetch(stream, it.Entry().Position)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return it.Err()
}

func (e *Engine) readBackward(ctx context.Context, stream string, from, to uint64, fn func(*codec.RecordedEvent) error) error {
	// Stream revisions are contiguous, so the bounded window can be
	// collected forward and emitted in reverse
	it := e.lsm.Range(util.HashStreamName(stream), from, to)
	entries := make([]index.Entry, 0, to-from+1)
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	err := it.Err()
	it.Close()
	if err != nil {
		return err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return serrors.Unavailable("read canceled", err)
		}
		ev, err := e.fetch(stream, entries[i].Position)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// CurrentRevision returns the stream's catalog state
func (e *Engine) CurrentRevision(stream string) catalog.StreamState {
	return e.cat.State(stream)
}

// Checkpoint returns the highest durably-committed log position
func (e *Engine) Checkpoint() uint64 {
	return e.log.Checkpoint()
}

// IndexStats exposes LSM layer occupancy
func (e *Engine) IndexStats() index.Stats {
	return e.lsm.Stats()
}

// Close flushes the index and closes the store
func (e *Engine) Close() error {
	if err := e.lsm.Close(); err != nil {
		e.logger.Error("Failed to close index", zap.Error(err))
	}
	return e.log.Close()
}
