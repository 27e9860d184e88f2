// Package core implements operator enrichment and ingestion of subscriber
// batches into a single master dataset.
//
// This package holds all domain logic independent of any transport. It is
// used by the HTTP server, the opmergectl command, and tests.
//
// # Pipeline
//
// A batch moves through these stages, each owned by one type:
//
//  1. [Coordinator.Submit] stages the raw .txt upload in fixed-size chunks
//     and admits at most one job at a time.
//  2. A [Converter] turns the proprietary text format into CSV.
//  3. An [Enricher] cleans and classifies each phone number with a
//     [Normalizer] and resolves its operator through a [PrefixTable].
//  4. The [Appender] merges the enriched batch into the master dataset
//     under a marker-file lock and replaces it with a single rename.
//
// Progress is recorded at fixed checkpoints (10, 40, 70, 100) on an
// immutable [Job] snapshot that callers poll with [Coordinator.Status].
//
// # Prefix Matching
//
// Reference prefixes are 3 to 7 digits long and are bucketed by length.
// [PolicyLongestPrefix] walks lengths 7 down to 3. [PolicyNarrowUnion]
// only consults lengths 3, 4 and 5.
//
// # Errors
//
// Failures are returned as [*Error] values carrying a [Kind]. Use [IsKind]
// or errors.Is with the exported sentinels, and [MapError] to obtain a
// user-facing message.
package core
