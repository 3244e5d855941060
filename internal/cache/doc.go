// Package cache provides a generic LRU cache for device objects.
//
// Entries that fall out of the cache, or are dropped by Clear, are passed to a
// release callback so the owner can destroy or defer destruction of the
// underlying object:
//
//	c := cache.New[uint64, RenderPass](64, func(_ uint64, rp RenderPass) {
//		rp.Destroy()
//	})
//	rp, err := c.GetOrCreate(key, func() (RenderPass, error) {
//		return dev.CreateRenderPass(state)
//	})
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
