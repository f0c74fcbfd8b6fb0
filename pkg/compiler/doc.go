// Package compiler turns state requests into low chunks and serves the files they
// reference.
//
// Flat reads plain YAML state files from a LocalFileStore, which maps each environment to
// an ordered list of local directories. The same store resolves skiff:// references when
// a transaction package is built.
package compiler
