// Package crawler defines the core types and interfaces of the forum
// crawl pipeline: sections, thread records, fetching, parsing, and
// storage contracts.
package crawler
