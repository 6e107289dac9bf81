// Package ledger records the files the companion delivered into app
// directories.
//
// The deferred loader removes its files after use, but a target app that
// never starts leaves them behind. The ledger lets the sweeper find and
// remove that residue later. Entries are keyed by destination path, so
// re-delivering the same file just refreshes its timestamp.
package ledger

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

const deliveriesBucket = "deliveries"

// Delivery is one file copied into an app's private directory.
type Delivery struct {
	Path        string    `json:"path"`
	Package     string    `json:"package"`
	Role        string    `json:"role"`
	Digest      string    `json:"digest,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
	// LoadDelay is how long after delivery the loader waits before using
	// the file.
	LoadDelay time.Duration `json:"load_delay,omitempty"`
}

// DueAt is when the loader is expected to consume the file.
func (d Delivery) DueAt() time.Time {
	return d.DeliveredAt.Add(d.LoadDelay)
}

// Ledger provides persistent storage for deliveries
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger database
func Open(dbPath string) (*Ledger, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(deliveriesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Record stores or refreshes a delivery
func (l *Ledger) Record(d Delivery) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(deliveriesBucket))
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.Path), data)
	})
}

// Forget removes the delivery for path. Unknown paths are ignored.
func (l *Ledger) Forget(path string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deliveriesBucket)).Delete([]byte(path))
	})
}

// DueBefore returns deliveries whose load was due before cutoff
func (l *Ledger) DueBefore(cutoff time.Time) ([]Delivery, error) {
	return l.filter(func(d Delivery) bool { return d.DueAt().Before(cutoff) })
}

// All returns every recorded delivery
func (l *Ledger) All() ([]Delivery, error) {
	return l.filter(func(Delivery) bool { return true })
}

func (l *Ledger) filter(keep func(Delivery) bool) ([]Delivery, error) {
	var out []Delivery
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(deliveriesBucket))
		return b.ForEach(func(k, v []byte) error {
			var d Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return nil // Skip invalid entries
			}
			if keep(d) {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// Count returns the number of recorded deliveries
func (l *Ledger) Count() (int, error) {
	var count int
	err := l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(deliveriesBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}
