package main

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sourcegraph/conc/pool"

	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/tensor"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rounds (
	run_id         TEXT NOT NULL,
	step           INTEGER NOT NULL,
	design         TEXT NOT NULL,
	y              TEXT NOT NULL,
	w_loc          TEXT NOT NULL,
	w_scale        TEXT NOT NULL,
	sigma_scale    TEXT NOT NULL,
	estimate       REAL NOT NULL,
	design_seconds REAL NOT NULL,
	PRIMARY KEY (run_id, step)
);`

// roundRecord is one persisted experiment round.
type roundRecord struct {
	RunID         string
	Step          int
	Design        *tensor.Tensor
	Y             *tensor.Tensor
	WLoc          *tensor.Tensor
	WScale        *tensor.Tensor
	SigmaScale    *tensor.Tensor
	Estimate      float64
	DesignSeconds float64
}

// recorder appends the rollout result stream to SQLite. Inserts run on a
// single background worker so a slow disk never stalls the optimization.
type recorder struct {
	db *sql.DB

	mu   sync.Mutex
	pool *pool.ErrorPool
}

func newRecorder(path string) (*recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, boederr.Wrap(err, boederr.BadConfig, "opening results database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, boederr.Wrap(err, boederr.BadConfig, "creating results schema")
	}
	return &recorder{
		db:   db,
		pool: pool.New().WithErrors().WithMaxGoroutines(1),
	}, nil
}

func (r *recorder) startRun(id, strategy string, seed uint64) {
	r.pool.Go(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, err := r.db.Exec(`INSERT INTO runs (id, strategy, seed, started_at) VALUES (?, ?, ?, ?)`,
			id, strategy, int64(seed), time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

func jsonTensor(t *tensor.Tensor) string {
	b, _ := json.Marshal(t.Data())
	return string(b)
}

func (r *recorder) record(rec roundRecord) {
	design := jsonTensor(rec.Design)
	y := jsonTensor(rec.Y)
	wLoc := jsonTensor(rec.WLoc)
	wScale := jsonTensor(rec.WScale)
	sigmaScale := jsonTensor(rec.SigmaScale)
	r.pool.Go(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, err := r.db.Exec(
			`INSERT INTO rounds (run_id, step, design, y, w_loc, w_scale, sigma_scale, estimate, design_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.Step, design, y, wLoc, wScale, sigmaScale, rec.Estimate, rec.DesignSeconds)
		return err
	})
}

// close waits for pending writes and releases the database.
func (r *recorder) close() error {
	err := r.pool.Wait()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
