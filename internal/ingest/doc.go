// Package ingest turns an uploaded JSON document into chapter records. A batch
// moves through received, parsed, validated, inserted, cache-invalidated,
// cleaned-up and responded stages; any stage may instead end in failed.
// Per-record problems never abort the batch.
package ingest
