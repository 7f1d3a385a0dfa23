// Package state persists per-source ingestion state: the IDs of entries
// already delivered, the time of the last poll and the conditional request
// headers returned by the source. Lookups are served from memory; changes
// are written back in batches via Flush.
package state
