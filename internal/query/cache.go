package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Yiling-J/theine-go"
	"github.com/cespare/xxhash/v2"

	schema "github.com/hanpama/liveql/internal/schema"
)

// DefaultCacheSize is the number of compiled queries kept by NewCache when no
// size is given.
const DefaultCacheSize = 1000

// Cache memoizes compiled queries. Entries are keyed by a hash of the query
// text, operation name, variables and limits, so two requests share a Query
// only when compilation would produce the same result. A hit is only served
// when the stored inputs match exactly. Failed compilations are not cached.
type Cache struct {
	schema *schema.Schema
	cache  *theine.Cache[uint64, cacheEntry]
}

type cacheEntry struct {
	ident string
	query *Query
}

// NewCache returns a cache bound to sch holding at most size queries.
func NewCache(sch *schema.Schema, size int64) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := theine.NewBuilder[uint64, cacheEntry](size).Build()
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	return &Cache{schema: sch, cache: c}, nil
}

// Compile returns a cached Query for source and opts or compiles a new one.
func (c *Cache) Compile(source string, opts Options) (*Query, error) {
	ident, ok := cacheIdent(source, opts)
	key := xxhash.Sum64String(ident)
	if ok {
		if e, hit := c.cache.Get(key); hit && e.ident == ident {
			return e.query, nil
		}
	}
	q, err := Compile(c.schema, source, opts)
	if err != nil {
		return nil, err
	}
	if ok {
		c.cache.Set(key, cacheEntry{ident: ident, query: q}, 1)
	}
	return q, nil
}

// Close releases the cache's background resources.
func (c *Cache) Close() { c.cache.Close() }

// cacheIdent joins every compilation input into one string. It reports false
// when the variables cannot be encoded.
func cacheIdent(source string, opts Options) (string, bool) {
	var b strings.Builder
	b.WriteString(source)
	b.WriteByte(0)
	b.WriteString(opts.OperationName)
	b.WriteByte(0)
	if len(opts.Variables) > 0 {
		// encoding/json sorts map keys, which keeps the ident stable.
		vars, err := json.Marshal(opts.Variables)
		if err != nil {
			return "", false
		}
		b.Write(vars)
	}
	fmt.Fprintf(&b, "\x00%d\x00%d", opts.MaxComplexity, opts.MaxDepth)
	return b.String(), true
}
