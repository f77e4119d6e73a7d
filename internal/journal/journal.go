// Package journal records issued ids in Postgres and fans them out to every
// instance through LISTEN/NOTIFY.
//
// The journal is an audit trail. Generators never read it back; their state
// is not restored across restarts. Its unique primary key does however catch
// two live generators that were given the same partition and worker ids.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"sohio.net/snowgen/internal/broadcast"
	"sohio.net/snowgen/internal/snowflake"
)

const Channel = "issued_ids"

var (
	ErrDuplicateID = errors.New("id already journaled, check partition and worker assignments")
	ErrUnavailable = errors.New("journal unavailable")
)

type Entry struct {
	ID       uint64
	Parts    snowflake.Parts
	Purpose  string
	IssuedAt time.Time
}

type Journal struct {
	db      *pgxpool.Pool
	cb      *gobreaker.CircuitBreaker
	epochMs int64
}

func New(ctx context.Context, db *pgxpool.Pool, epochMs int64) (*Journal, error) {
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS issued_ids(
		id bigint primary key,
		partition_id smallint not null,
		worker_id smallint not null,
		seq integer not null,
		issued_at timestamptz not null,
		purpose text not null default ''
	)`)
	if err != nil {
		return nil, err
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "journal",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// A duplicate is a fleet configuration problem, not a sick database.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDuplicateID)
		},
	})

	return &Journal{db: db, cb: cb, epochMs: epochMs}, nil
}

// Record stores ids in a single transaction and notifies listeners once it
// commits.
func (j *Journal) Record(ctx context.Context, purpose string, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := j.cb.Execute(func() (interface{}, error) {
		return nil, j.record(ctx, purpose, ids)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return err
}

func (j *Journal) record(ctx context.Context, purpose string, ids []uint64) error {
	tx, err := j.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var b pgx.Batch
	for _, id := range ids {
		p := snowflake.Decompose(id, j.epochMs)
		b.Queue(
			"INSERT INTO issued_ids VALUES ($1, $2, $3, $4, $5, $6)",
			int64(id),
			int16(p.PartitionID),
			int16(p.WorkerID),
			int32(p.Sequence),
			time.UnixMilli(p.TimestampMs).UTC(),
			purpose,
		)
		b.Queue("SELECT pg_notify($1, $2)", Channel, strconv.FormatUint(id, 10))
	}

	if err = tx.SendBatch(ctx, &b).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", pgErr.Detail, ErrDuplicateID)
		}
		return err
	}

	return tx.Commit(ctx)
}

// After lists up to limit entries with ids greater than after, in id order.
func (j *Journal) After(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	rs, err := j.db.Query(ctx,
		"SELECT id, purpose, issued_at FROM issued_ids WHERE id > $1 ORDER BY id LIMIT $2",
		int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var entries []Entry
	for rs.Next() {
		var (
			id int64
			e  Entry
		)
		if err := rs.Scan(&id, &e.Purpose, &e.IssuedAt); err != nil {
			return nil, err
		}
		e.ID = uint64(id)
		e.Parts = snowflake.Decompose(e.ID, j.epochMs)
		entries = append(entries, e)
	}
	return entries, rs.Err()
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.db.Ping(ctx)
}

// Listen forwards notifications for ids journaled by any instance to out,
// until ctx is done.
func (j *Journal) Listen(ctx context.Context, out *broadcast.Set[string]) error {
	pc, err := j.db.Acquire(ctx)
	if err != nil {
		return err
	}

	c := pc.Hijack()
	defer c.Close(context.Background())

	if _, err := c.Exec(ctx, "LISTEN "+Channel); err != nil {
		return err
	}

	for {
		n, err := c.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		out.Send(n.Payload)
	}
}
