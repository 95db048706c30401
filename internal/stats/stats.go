// Package stats records per-export statistics off the hot path. Exports hand
// their terminal result to a bounded queue and move on; a single writer
// goroutine folds records into running totals and, when configured, persists
// them to a bolt database for inspection across restarts.
package stats

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Outcome labels how an export ended.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Record is one finished export.
type Record struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Endpoint   string    `json:"endpoint"`
	Rows       int64     `json:"rows"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"durationMs"`
	Outcome    string    `json:"outcome"`
	PeakRSS    uint64    `json:"peakRss"`
	PeakHeap   uint64    `json:"peakHeap"`
}

// Totals aggregates every record seen.
type Totals struct {
	Exports int64 `json:"exports"`
	Rows    int64 `json:"rows"`
	Bytes   int64 `json:"bytes"`
	Failed  int64 `json:"failed"`
	Aborted int64 `json:"aborted"`
	Dropped int64 `json:"dropped"`
}

// Snapshot is the stats endpoint payload.
type Snapshot struct {
	Totals Totals   `json:"totals"`
	Recent []Record `json:"recent"`
}

const (
	queueDepth   = 256
	recentKept   = 50
	totalsBucket = "totals"
	totalsKey    = "all"
	exportBucket = "exports"
)

// Recorder collects export records asynchronously. Record never blocks; when
// the queue is full the record is dropped and counted. Safe for concurrent
// use.
type Recorder struct {
	db    *bolt.DB
	queue chan Record
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	closed  bool
	totals  Totals
	recent  []Record
	dropped int64
}

// NewRecorder opens a Recorder. path names the bolt database file; empty
// keeps statistics in memory only.
func NewRecorder(path string) (*Recorder, error) {
	r := &Recorder{
		queue: make(chan Record, queueDepth),
		done:  make(chan struct{}),
	}

	if path != "" {
		db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("stats: open %s: %w", path, err)
		}
		r.db = db
		if err := r.loadTotals(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	go r.run()
	return r, nil
}

// Record enqueues one export record. Non-blocking: a full queue drops the
// record rather than stalling the export that produced it. Records arriving
// after Close are dropped; exports may outlive the server's shutdown window
// and still report their terminal result.
func (r *Recorder) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped++
		r.totals.Dropped = r.dropped
	}
}

// Snapshot returns the running totals and the most recent records, newest
// first.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := make([]Record, len(r.recent))
	for i, rec := range r.recent {
		recent[len(r.recent)-1-i] = rec
	}
	return Snapshot{Totals: r.totals, Recent: recent}
}

// Close drains the queue, flushes totals, and closes the database. Safe to
// call more than once.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		// flip the flag under the producer lock before closing the channel,
		// so no Record can race a send against the close
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.queue)
		<-r.done
		if r.db != nil {
			err = r.db.Close()
		}
	})
	return err
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.apply(rec)
		if r.db != nil {
			if err := r.persist(rec); err != nil {
				log.Warnf("stats: failed to persist record: %v", err)
			}
		}
	}
}

func (r *Recorder) apply(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totals.Exports++
	r.totals.Rows += rec.Rows
	r.totals.Bytes += rec.Bytes
	switch rec.Outcome {
	case OutcomeFailed:
		r.totals.Failed++
	case OutcomeAborted:
		r.totals.Aborted++
	}

	r.recent = append(r.recent, rec)
	if len(r.recent) > recentKept {
		r.recent = r.recent[len(r.recent)-recentKept:]
	}
}

func (r *Recorder) persist(rec Record) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		exports, err := tx.CreateBucketIfNotExists([]byte(exportBucket))
		if err != nil {
			return err
		}
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := rec.Time.UTC().Format(time.RFC3339Nano) + "/" + rec.ID
		if err := exports.Put([]byte(key), value); err != nil {
			return err
		}

		totals, err := tx.CreateBucketIfNotExists([]byte(totalsBucket))
		if err != nil {
			return err
		}
		r.mu.Lock()
		snapshot := r.totals
		r.mu.Unlock()
		value, err = json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return totals.Put([]byte(totalsKey), value)
	})
}

func (r *Recorder) loadTotals() error {
	return r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(totalsBucket))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(totalsKey))
		if raw == nil {
			return nil
		}
		var totals Totals
		if err := json.Unmarshal(raw, &totals); err != nil {
			return fmt.Errorf("stats: corrupt totals record: %w", err)
		}
		r.totals = totals
		return nil
	})
}
