/*
Package dirmirror is a tool for keeping a replica directory an exact copy of a source directory.

dirmirror repeats a one-way synchronization pass on a fixed interval:
  - Missing directories and files are created in the replica
  - Files whose source copy is newer are overwritten
  - Replica entries with no source counterpart are deleted, deepest first
  - Every change is printed and appended to an audit log
  - A lock file keeps two instances from sharing one log directory

The main packages are:

	github.com/mirrorctl/dirmirror/internal/mirror  - Synchronization engine, reporting and pass driver
	github.com/mirrorctl/dirmirror/cmd/dirmirror    - Command-line interface
*/
package dirmirror
