// Package ingest turns fetched or uploaded content into stored chunks.
//
// A Pipeline selects a chunking Strategy per source, cleans and segments the
// text, stamps chunk metadata and hands the result to a Writer, which commits
// chunks to the tenant's content store and settles source status. Bulk fans
// URL and file ingestion out over a bounded worker pool.
package ingest
