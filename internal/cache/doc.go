// Package cache provides a generic thread-safe LRU cache.
//
// It memoizes device queries whose answers depend only on their inputs,
// such as acceleration structure prebuild sizes, and compiled shader
// modules keyed by a digest of their source.
//
//	sizes := cache.New[string, device.PrebuildInfo](256)
//	info := sizes.GetOrCreate(key, func() device.PrebuildInfo {
//		return computePrebuild(inputs)
//	})
//
// A limit of 0 disables eviction. Cache must not be copied after creation.
package cache
