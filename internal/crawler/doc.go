// Package crawler holds the domain types, collaborator interfaces, URL
// normalization, exclusion rules and retry policy shared by the crawl
// orchestration and ingestion subsystems.
package crawler
