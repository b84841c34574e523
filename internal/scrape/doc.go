// Package scrape defines the core types shared by the listing pipeline: parsed
// records, fetch requests and responses, the subscriber-facing event envelope,
// and the typed errors that terminate a run.
package scrape
