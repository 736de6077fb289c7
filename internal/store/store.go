package store

// Store is an abstract bucketed key-value storage interface. The accessory
// keeps its pairing records and identity counters here. The initial
// implementation uses bbolt; the interface allows swapping the backend
// without touching the rest of the codebase.
type Store interface {
	Get(bucket, key []byte) ([]byte, error)
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	DeleteBucket(bucket []byte) error
	ForEach(bucket []byte, fn func(key, value []byte) error) error
	Close() error
}
