// Package pools provides object pooling for the storage engine's
// allocation-heavy paths.
//
// Everything handed out here backs scratch that lives for exactly one
// operation: a row being encoded for the WAL, a WAL record being framed,
// the field map of a structured log line, the row-index lists a column
// scan accumulates. A borrowed object must be returned on the same code
// path that borrowed it and must never escape into a caller-visible
// result.
//
//   - BytePool: size-class based byte slice pooling
//   - IntPool: pooling for row-index slices
//   - FieldMapPool: pooling for map[string]any scratch maps
//   - BufferBuilder: little-endian record framing on pooled buffers
package pools
