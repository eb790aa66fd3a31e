package job

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"shardrun/internal/sched"
)

var benchBucket = []byte("bench")

// StorageBench writes Keys keys into a bolt file in transactions of Batch
// puts. Every bolt call runs as a blocking offload, so the shard keeps
// scheduling other tasks while the disk works.
type StorageBench struct {
	Path      string
	Keys      int
	Batch     int
	ValueSize int

	Written int
	Elapsed time.Duration

	db      *bolt.DB
	open    *sched.Op[*bolt.DB]
	put     *sched.Op[int]
	started time.Time
}

func (b *StorageBench) Func() sched.Func {
	return func(t *sched.Task) sched.Poll {
		if b.Batch <= 0 {
			b.Batch = 100
		}
		if b.db == nil {
			if b.open == nil {
				b.started = time.Now()
				path := b.Path
				b.open = sched.Blocking(t, func(context.Context) (*bolt.DB, error) {
					return bolt.Open(path, 0o666, &bolt.Options{Timeout: time.Second})
				})
			}
			db, done, err := b.open.Poll(t)
			if !done {
				return sched.Pending()
			}
			if err != nil {
				return sched.Done(errors.Wrap(err, "opening bench db"))
			}
			b.db = db
			t.Defer(func() { db.Close() })
		}

		for b.Written < b.Keys {
			if b.put == nil {
				b.put = b.putBatch(t, b.Written, min(b.Batch, b.Keys-b.Written))
			}
			n, done, err := b.put.Poll(t)
			if !done {
				return sched.Pending()
			}
			if err != nil {
				return sched.Done(errors.Wrapf(err, "writing batch at key %d", b.Written))
			}
			b.put = nil
			b.Written += n
			if t.ShouldYield() {
				return sched.Yield()
			}
		}

		b.Elapsed = time.Since(b.started)
		t.Executor().Logger().Info("storage bench done",
			zap.String("path", b.Path),
			zap.Int("keys", b.Written),
			zap.Duration("elapsed", b.Elapsed))
		return sched.Done(nil)
	}
}

func (b *StorageBench) putBatch(t *sched.Task, from, n int) *sched.Op[int] {
	db, size := b.db, b.ValueSize
	return sched.Blocking(t, func(ctx context.Context) (int, error) {
		err := db.Update(func(tx *bolt.Tx) error {
			bkt, err := tx.CreateBucketIfNotExists(benchBucket)
			if err != nil {
				return err
			}
			val := make([]byte, size)
			for i := from; i < from+n; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], uint64(i))
				if err := bkt.Put(key[:], val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return n, nil
	})
}

// CountKeys reports how many keys the bench bucket in path holds.
func CountKeys(path string) (int, error) {
	db, err := bolt.Open(path, 0o666, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return 0, err
	}
	defer db.Close()

	n := 0
	err = db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(benchBucket)
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return nil
	})
	return n, err
}
