// Package pgutils has small helpers for talking to Postgres: pgvector
// literal rendering and driver error classification.
package pgutils

import "strconv"

// FormatVector renders a pgvector literal, e.g. [0.1,0.2,0.3]. Bun has no
// native vector type, so queries pass the literal with a ::vector cast.
func FormatVector(v []float32) string {
	buf := make([]byte, 0, len(v)*12+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'f', -1, 32)
	}
	buf = append(buf, ']')
	return string(buf)
}
