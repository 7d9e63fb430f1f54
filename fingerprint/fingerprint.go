// Package fingerprint derives a cheap version marker for a gallery's
// servable asset set.
//
// A completed archive carries the fingerprint current at build time. If the
// gallery's fingerprint has since moved, the archive is stale: still
// servable, but a rebuild is warranted.
package fingerprint

import (
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
	cache "github.com/patrickmn/go-cache"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/galleries"
)

// Sentinel is the fingerprint of a gallery with zero servable assets. A
// request for such a gallery fails validation before any job is created.
const Sentinel = "empty"

// A Func reduces an asset summary to a fingerprint string. It must change
// if and only if the servable asset set changes under the chosen policy.
//
// Whether replacing an asset without changing the count should invalidate a
// cached archive is a policy decision, so the function is pluggable.
type Func func(s models.AssetSummary) string

// CountAndLatest is the default policy: photo count plus the latest
// mutation timestamp of any member photo.
func CountAndLatest(s models.AssetSummary) string {
	if s.Count == 0 {
		return Sentinel
	}
	return fmt.Sprintf("n%d.t%d", s.Count, s.LatestUpdated.UTC().UnixNano())
}

// CountOnly matches the historical behavior: only a change in the number of
// photos invalidates a cached archive.
func CountOnly(s models.AssetSummary) string {
	if s.Count == 0 {
		return Sentinel
	}
	return fmt.Sprintf("n%d", s.Count)
}

// A Summarizer produces the per-gallery asset aggregate. The production
// implementation is galleries.AssetSummary.
type Summarizer func(id types.PrefixUUID) (models.AssetSummary, error)

// A Computer computes gallery fingerprints, caching results for a short,
// injected TTL. The cache is an explicit object with explicit invalidation,
// never ambient global state.
type Computer struct {
	fn        Func
	summarize Summarizer
	cache     *cache.Cache
}

// NewComputer returns a Computer using the given policy function and cache
// TTL. A nil fn selects CountAndLatest; a nil summarize reads from the
// photos table.
func NewComputer(fn Func, summarize Summarizer, ttl time.Duration) *Computer {
	if fn == nil {
		fn = CountAndLatest
	}
	if summarize == nil {
		summarize = galleries.AssetSummary
	}
	return &Computer{
		fn:        fn,
		summarize: summarize,
		cache:     cache.New(ttl, 2*ttl),
	}
}

// Compute returns the gallery's current fingerprint, and the photo count the
// fingerprint was derived from.
func (c *Computer) Compute(galleryID types.PrefixUUID) (string, int, error) {
	key := galleryID.String()
	if v, ok := c.cache.Get(key); ok {
		cached := v.(cachedPrint)
		return cached.fp, cached.count, nil
	}
	s, err := c.summarize(galleryID)
	if err != nil {
		return "", 0, err
	}
	fp := c.fn(s)
	c.cache.SetDefault(key, cachedPrint{fp: fp, count: s.Count})
	return fp, s.Count, nil
}

// Invalidate drops any cached fingerprint for the gallery. Call after
// admitting a build so the next read reflects the database.
func (c *Computer) Invalidate(galleryID types.PrefixUUID) {
	c.cache.Delete(galleryID.String())
}

type cachedPrint struct {
	fp    string
	count int
}

// Fresh reports whether the archive was built from the current asset set. A
// non-completed archive is never fresh.
func Fresh(a *models.Archive, current string) bool {
	if a == nil || a.Status != models.StatusCompleted {
		return false
	}
	return a.Fingerprint == current
}
