// Package storage persists the proxy's state:
//   - StreamRecords (last observation per "feed:sensor" key)
//   - StreamHealth (monitor state per feed, versioned for compare-and-swap)
//   - the relay journal (jobs accepted but not yet delivered)
package storage
