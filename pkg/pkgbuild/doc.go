// Package pkgbuild assembles the archives shipped to targets.
//
// Two kinds of package exist. The runtime bundle holds the runner binaries for every
// supported platform, an entry script and a version stamp; it is content addressed and
// cached under <cache_dir>/runtime/<stamp>.tgz, published by writing a temp file in the
// same directory and renaming it. The transaction package holds the compiled low chunks
// and every file they reference, laid out as <env>/<path>, and is built fresh per job.
//
// Both archives are gzip compressed tar streams holding regular files and directories
// only, written in lexical order.
package pkgbuild
