package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a destination.
var ErrNotFound = errors.New("download record not found")

// DownloadStatus is the last known outcome of a download.
type DownloadStatus string

const (
	StatusActive    DownloadStatus = "active"
	StatusCompleted DownloadStatus = "completed"
	StatusFailed    DownloadStatus = "failed"
)

// DownloadRecord remembers where a local file came from so it can be resumed
// without repeating the peer and remote path. The local file itself stays the
// source of truth for how many bytes are present.
type DownloadRecord struct {
	ID         string         `json:"id"`
	Peer       string         `json:"peer"`
	RemotePath string         `json:"remote_path"`
	LocalPath  string         `json:"local_path"`
	SourceSize uint64         `json:"source_size"`
	BytesDone  uint64         `json:"bytes_done"`
	Status     DownloadStatus `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
	UpdatedAt  int64          `json:"updated_at"` // Unix timestamp
}

const downloadPrefix = "download:"

// MetadataStore wraps BadgerDB for the download ledger.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemory opens a ledger that lives only as long as the process.
func OpenInMemory() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutDownload stores a record keyed by its local path.
func (ms *MetadataStore) PutDownload(rec DownloadRecord) error {
	if rec.LocalPath == "" {
		return errors.New("download record has no local path")
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().Unix()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(downloadPrefix+rec.LocalPath), val)
	})
}

// GetDownload retrieves the record for a local path.
func (ms *MetadataStore) GetDownload(localPath string) (DownloadRecord, error) {
	var rec DownloadRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(downloadPrefix + localPath))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, localPath)
	}
	return rec, err
}

// DeleteDownload forgets the record for a local path.
func (ms *MetadataStore) DeleteDownload(localPath string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(downloadPrefix + localPath))
	})
}

// ListDownloads returns every record, most recently updated first.
func (ms *MetadataStore) ListDownloads() ([]DownloadRecord, error) {
	var records []DownloadRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(downloadPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec DownloadRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt > records[j].UpdatedAt
	})
	return records, nil
}

// NewDownloadRecord is a helper to create a record for a fresh download.
func NewDownloadRecord(id, peer, remotePath, localPath string, sourceSize uint64) DownloadRecord {
	return DownloadRecord{
		ID:         id,
		Peer:       peer,
		RemotePath: remotePath,
		LocalPath:  localPath,
		SourceSize: sourceSize,
		Status:     StatusActive,
		UpdatedAt:  time.Now().Unix(),
	}
}
