// Package queue is a durable job queue on bbolt consumed by bounded,
// rate limited worker pools.
package queue

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultMaxAttempts = 3
	maxBackoff         = 5 * time.Minute
)

// Job is a unit of work. Payload is immutable once enqueued; the other
// fields are queue bookkeeping.
type Job struct {
	ID          string              `json:"id"`
	Queue       string              `json:"queue"`
	Payload     jsoniter.RawMessage `json:"payload"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	RunAt       time.Time           `json:"run_at"`
	CreatedAt   time.Time           `json:"created_at"`
	LastError   string              `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

type Stats struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
	Dead    int `json:"dead"`
}

type enqueueOptions struct {
	delay       time.Duration
	maxAttempts int
}

type EnqueueOption func(*enqueueOptions)

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Store keeps per queue buckets: jobs by id, a run-at ordered schedule,
// leased (active) ids and dead jobs.
type Store struct {
	db   *bolt.DB
	node *snowflake.Node

	mu     sync.Mutex
	wakeup map[string]chan struct{}
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open queue store %s", path)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "snowflake node")
	}
	return &Store{db: db, node: node, wakeup: make(map[string]chan struct{})}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func bucketJobs(q string) []byte     { return []byte(q + ":jobs") }
func bucketSchedule(q string) []byte { return []byte(q + ":schedule") }
func bucketActive(q string) []byte   { return []byte(q + ":active") }
func bucketDead(q string) []byte     { return []byte(q + ":dead") }

func scheduleKey(runAt time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(runAt.UnixNano()))
	return append(k, id...)
}

type buckets struct {
	jobs, schedule, active, dead *bolt.Bucket
}

func openBuckets(tx *bolt.Tx, q string) (*buckets, error) {
	b := &buckets{}
	var err error
	if b.jobs, err = tx.CreateBucketIfNotExists(bucketJobs(q)); err != nil {
		return nil, err
	}
	if b.schedule, err = tx.CreateBucketIfNotExists(bucketSchedule(q)); err != nil {
		return nil, err
	}
	if b.active, err = tx.CreateBucketIfNotExists(bucketActive(q)); err != nil {
		return nil, err
	}
	if b.dead, err = tx.CreateBucketIfNotExists(bucketDead(q)); err != nil {
		return nil, err
	}
	return b, nil
}

func putJob(b *bolt.Bucket, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put([]byte(job.ID), raw)
}

// Enqueue stores payload durably and returns the job id.
func (s *Store) Enqueue(queue string, payload interface{}, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encode payload")
	}
	now := time.Now()
	job := &Job{
		ID:          s.node.Generate().String(),
		Queue:       queue,
		Payload:     raw,
		MaxAttempts: o.maxAttempts,
		RunAt:       now.Add(o.delay),
		CreatedAt:   now,
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := openBuckets(tx, queue)
		if err != nil {
			return err
		}
		if err := putJob(b.jobs, job); err != nil {
			return err
		}
		return b.schedule.Put(scheduleKey(job.RunAt, job.ID), []byte(job.ID))
	})
	if err != nil {
		return "", errors.Wrapf(err, "enqueue %s", queue)
	}
	s.notify(queue)
	return job.ID, nil
}

// Dequeue leases the earliest job due at now. It returns nil when nothing
// is due.
func (s *Store) Dequeue(queue string, now time.Time) (*Job, error) {
	var job *Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := openBuckets(tx, queue)
		if err != nil {
			return err
		}
		c := b.schedule.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		limit := scheduleKey(now, "")
		if bytes.Compare(k[:8], limit[:8]) > 0 {
			return nil
		}
		id := append([]byte(nil), v...)
		if err := c.Delete(); err != nil {
			return err
		}
		raw := b.jobs.Get(id)
		if raw == nil {
			// orphaned schedule entry
			return nil
		}
		job = &Job{}
		if err := json.Unmarshal(raw, job); err != nil {
			return err
		}
		return b.active.Put(id, []byte{})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dequeue %s", queue)
	}
	return job, nil
}

// Ack removes a finished job.
func (s *Store) Ack(queue, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := openBuckets(tx, queue)
		if err != nil {
			return err
		}
		if err := b.active.Delete([]byte(id)); err != nil {
			return err
		}
		return b.jobs.Delete([]byte(id))
	})
}

// Nack records a failed attempt. The job is rescheduled with exponential
// backoff from base, or moved to the dead bucket when attempts are used up
// or cause is permanent. It reports whether the job is now dead.
func (s *Store) Nack(queue string, job *Job, cause error, base time.Duration) (bool, error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	dead := IsPermanent(cause) || job.Attempts >= job.MaxAttempts
	if !dead {
		job.RunAt = time.Now().Add(Backoff(base, job.Attempts))
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := openBuckets(tx, queue)
		if err != nil {
			return err
		}
		if err := b.active.Delete([]byte(job.ID)); err != nil {
			return err
		}
		if dead {
			if err := b.jobs.Delete([]byte(job.ID)); err != nil {
				return err
			}
			return putJob(b.dead, job)
		}
		if err := putJob(b.jobs, job); err != nil {
			return err
		}
		return b.schedule.Put(scheduleKey(job.RunAt, job.ID), []byte(job.ID))
	})
	if err != nil {
		return false, errors.Wrapf(err, "nack %s/%s", queue, job.ID)
	}
	if !dead {
		s.notify(queue)
	}
	return dead, nil
}

// Release puts a leased job back without counting an attempt.
func (s *Store) Release(queue string, job *Job) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := openBuckets(tx, queue)
		if err != nil {
			return err
		}
		if err := b.active.Delete([]byte(job.ID)); err != nil {
			return err
		}
		return b.schedule.Put(scheduleKey(time.Now(), job.ID), []byte(job.ID))
	})
	return errors.Wrapf(err, "release %s/%s", queue, job.ID)
}

// Recover requeues jobs that were leased when the process stopped.
func (s *Store) Recover(queue string) (int, error) {
	n := 0
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := openBuckets(tx, queue)
		if err != nil {
			return err
		}
		var ids [][]byte
		if err := b.active.ForEach(func(k, _ []byte) error {
			ids = append(ids, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.active.Delete(id); err != nil {
				return err
			}
			if b.jobs.Get(id) == nil {
				continue
			}
			if err := b.schedule.Put(scheduleKey(now, string(id)), id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "recover %s", queue)
	}
	if n > 0 {
		s.notify(queue)
	}
	return n, nil
}

// NextRunAt returns the run time of the earliest scheduled job.
func (s *Store) NextRunAt(queue string) (time.Time, bool) {
	var at time.Time
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedule(queue))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().First()
		if k == nil {
			return nil
		}
		at = time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
		ok = true
		return nil
	})
	return at, ok
}

func (s *Store) Stats(queue string) (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketSchedule(queue)); b != nil {
			st.Pending = b.Stats().KeyN
		}
		if b := tx.Bucket(bucketActive(queue)); b != nil {
			st.Active = b.Stats().KeyN
		}
		if b := tx.Bucket(bucketDead(queue)); b != nil {
			st.Dead = b.Stats().KeyN
		}
		return nil
	})
	return st, err
}

// DeadJobs lists jobs that exhausted their attempts.
func (s *Store) DeadJobs(queue string) ([]*Job, error) {
	var out []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDead(queue))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			job := &Job{}
			if err := json.Unmarshal(v, job); err != nil {
				return err
			}
			out = append(out, job)
			return nil
		})
	})
	return out, err
}

// Wakeup returns a channel signalled whenever queue gets new work.
func (s *Store) Wakeup(queue string) <-chan struct{} {
	return s.wakeChan(queue)
}

func (s *Store) wakeChan(queue string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.wakeup[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		s.wakeup[queue] = ch
	}
	return ch
}

func (s *Store) notify(queue string) {
	select {
	case s.wakeChan(queue) <- struct{}{}:
	default:
	}
}

// Backoff returns base * 2^(attempt-1), capped at five minutes.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
