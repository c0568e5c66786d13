package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/datastore"

	appLog "caltasks/internal/log"
)

const datastoreKind = "ExecutionRecord"

type datastoreRecord struct {
	Value     string    `datastore:"value,noindex"`
	UpdatedAt time.Time `datastore:"updated_at"`
}

// Datastore keeps records as entities of kind ExecutionRecord. CompareAndSwap
// runs inside a transaction.
type Datastore struct {
	ds        *datastore.Client
	namespace string
}

// NewDatastore creates a Cloud Datastore backed store. The client picks up
// DATASTORE_EMULATOR_HOST automatically.
func NewDatastore(ctx context.Context, projectID, namespace string) (*Datastore, error) {
	if host := os.Getenv("DATASTORE_EMULATOR_HOST"); host != "" {
		appLog.Info("datastore emulator detected", "host", host)
	}
	ds, err := datastore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore client: %w", err)
	}
	return &Datastore{ds: ds, namespace: namespace}, nil
}

func (d *Datastore) nameKey(key string) *datastore.Key {
	k := datastore.NameKey(datastoreKind, key, nil)
	k.Namespace = d.namespace
	return k
}

func (d *Datastore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	var rec datastoreRecord
	err := d.ds.Get(ctx, d.nameKey(key), &rec)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (d *Datastore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := d.ds.Put(ctx, d.nameKey(key), &datastoreRecord{Value: value, UpdatedAt: time.Now().UTC()})
	return err
}

func (d *Datastore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return d.ds.Delete(ctx, d.nameKey(key))
}

func (d *Datastore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	k := d.nameKey(key)
	swapped := false
	_, err := d.ds.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		swapped = false
		var rec datastoreRecord
		err := tx.Get(k, &rec)
		exists := true
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			exists = false
		} else if err != nil {
			return err
		}

		if old == "" {
			if exists {
				return nil
			}
		} else if !exists || rec.Value != old {
			return nil
		}

		if new == "" {
			if exists {
				if err := tx.Delete(k); err != nil {
					return err
				}
			}
		} else if _, err := tx.Put(k, &datastoreRecord{Value: new, UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (d *Datastore) List(ctx context.Context, prefix string) ([]string, error) {
	q := datastore.NewQuery(datastoreKind).Namespace(d.namespace).KeysOnly()
	keys, err := d.ds.GetAll(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k.Name, prefix) {
			out = append(out, k.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *Datastore) Close() error {
	return d.ds.Close()
}
