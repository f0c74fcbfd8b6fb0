// Package roster resolves target patterns into connection parameters.
//
// Flat reads a YAML file of id to connection parameters. Every entry is checked against a
// closed CUE schema before it is decoded, so misspelled keys and out of range values are
// reported with the offending id. Patterns match ids as a glob, a comma separated list, a
// regular expression anchored at the start, or everything.
package roster
