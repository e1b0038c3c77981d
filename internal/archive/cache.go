package archive

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache provides in-memory caching for decoded objects.
type Cache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
	Remove(key string)
	Close()
}

// costCache is a Cache bounded by total byte size.
type costCache struct {
	c *ristretto.Cache[string, []byte]
}

// NewCache creates a cache holding up to maxBytes of object data.
func NewCache(maxBytes int64) (Cache, error) {
	if maxBytes <= 0 {
		return noCache{}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// 10x the expected item count, assuming ~1KiB objects.
		NumCounters: max(maxBytes/100, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &costCache{c: c}, nil
}

func (c *costCache) Get(key string) ([]byte, bool) {
	return c.c.Get(key)
}

// Add waits for the write buffer to drain so that Add and Remove apply in
// call order. Admission may still reject the value.
func (c *costCache) Add(key string, value []byte) {
	c.c.Set(key, value, int64(len(value)))
	c.c.Wait()
}

func (c *costCache) Remove(key string) {
	c.c.Del(key)
	c.c.Wait()
}

func (c *costCache) Close() {
	c.c.Close()
}

type noCache struct{}

func (noCache) Get(string) ([]byte, bool) { return nil, false }
func (noCache) Add(string, []byte)        {}
func (noCache) Remove(string)             {}
func (noCache) Close()                    {}
