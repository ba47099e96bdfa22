// Package blkcache is a userspace transparent caching layer that sits
// between consumers (filesystem tools, imaging tools, media players) and a
// slow, fragile, or failure-prone block source: an optical disc, a floppy,
// a failing hard drive.
//
// Every sector read by any consumer through a CacheEngine (package engine) is permanently
// recorded into a local sparse image and a ddrescue-compatible status map;
// later reads are served from the cache and never re-touch the physical
// medium. Over natural use the cache converges toward a complete forensic
// image of the device.
//
// The engine is read-only: it never writes back or writes through to the
// medium, never compresses or deduplicates across devices, and coordinates
// a single host only. How bytes produced by CacheEngine.Read reach a
// consumer — an NBD server, a FUSE mount, a CLI tool — is outside this
// package.
package blkcache
