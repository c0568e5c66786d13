package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appLog "caltasks/internal/log"
)

type lockValue struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
}

// LockInfo describes a held lock.
type LockInfo struct {
	ID      string        `json:"id"`
	Started time.Time     `json:"started"`
	Age     time.Duration `json:"age"`
	Stale   bool          `json:"stale"`
}

func lockKey(kind Kind) string { return "run:" + string(kind) + ":lock" }

func (o *Orchestrator) lockTimeout(kind Kind) time.Duration {
	if kind == KindPrimary {
		return o.opts.PrimaryLockTimeout
	}
	return o.opts.BackupLockTimeout
}

// acquire takes the lock for rc.Kind. A lock older than its timeout, or one
// that cannot be decoded, is treated as left behind by a crashed run and
// replaced. The returned release is safe to call more than once.
func (o *Orchestrator) acquire(ctx context.Context, rc RunContext) (func(), error) {
	key := lockKey(rc.Kind)
	raw, err := json.Marshal(lockValue{ID: rc.ID, Started: rc.Started.UTC()})
	if err != nil {
		return nil, err
	}
	mine := string(raw)
	timeout := o.lockTimeout(rc.Kind)

	for attempt := 0; attempt < 3; attempt++ {
		cur, ok, err := o.deps.KV.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read lock: %w", err)
		}
		old := ""
		if ok {
			var held lockValue
			if err := json.Unmarshal([]byte(cur), &held); err == nil {
				age := o.opts.Now().Sub(held.Started)
				if age <= timeout {
					return nil, fmt.Errorf("%w: %s run %s started %s ago", ErrAlreadyRunning,
						rc.Kind, held.ID, age.Round(time.Second))
				}
				appLog.Warn("replacing stale lock", "kind", rc.Kind, "holder", held.ID, "age", age.Round(time.Second).String())
			} else {
				appLog.Warn("replacing unreadable lock", "kind", rc.Kind, "err", err)
			}
			old = cur
		}
		swapped, err := o.deps.KV.CompareAndSwap(ctx, key, old, mine)
		if err != nil {
			return nil, fmt.Errorf("take lock: %w", err)
		}
		if swapped {
			appLog.Debug("lock acquired", "kind", rc.Kind, "run", rc.ID)
			return o.releaser(key, mine, rc), nil
		}
	}
	return nil, fmt.Errorf("%w: %s lock is contended", ErrAlreadyRunning, rc.Kind)
}

func (o *Orchestrator) releaser(key, mine string, rc RunContext) func() {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		swapped, err := o.deps.KV.CompareAndSwap(ctx, key, mine, "")
		switch {
		case err != nil:
			appLog.Error("lock release failed", err, "kind", rc.Kind, "run", rc.ID)
		case !swapped:
			appLog.Warn("lock was taken over before release", "kind", rc.Kind, "run", rc.ID)
		}
	}
}

// Lock returns the current holder of kind's lock, or nil.
func (o *Orchestrator) Lock(ctx context.Context, kind Kind) (*LockInfo, error) {
	raw, ok, err := o.deps.KV.Get(ctx, lockKey(kind))
	if err != nil || !ok {
		return nil, err
	}
	var held lockValue
	if err := json.Unmarshal([]byte(raw), &held); err != nil {
		return &LockInfo{Stale: true}, nil
	}
	age := o.opts.Now().Sub(held.Started)
	return &LockInfo{ID: held.ID, Started: held.Started, Age: age, Stale: age > o.lockTimeout(kind)}, nil
}

// Busy reports whether a live lock is held for kind.
func (o *Orchestrator) Busy(ctx context.Context, kind Kind) bool {
	info, err := o.Lock(ctx, kind)
	return err == nil && info != nil && !info.Stale
}

// start acquires the lock for rep's run. On failure the report is flagged
// and nil is returned.
func (o *Orchestrator) start(ctx context.Context, rc RunContext, rep *Report) func() {
	release, err := o.acquire(ctx, rc)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			rep.Locked = true
			appLog.Info("run skipped", "kind", rc.Kind, "reason", err.Error())
		}
		rep.Errors = append(rep.Errors, err.Error())
		return nil
	}
	return release
}
