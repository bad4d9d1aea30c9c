// Package file implements a persistent backend engine over a single
// snapshot file.
//
// The engine keeps a memory engine as its working copy and writes a
// codec-encoded snapshot of the whole tree through a temp-file-and-rename
// after every mutation, so a crash never leaves a torn snapshot behind.
// DoInitialize restores the working copy from the snapshot when one exists.
//
// The file is visible to every process on the host, so the medium is
// classified backend.KindShared: the broadcast middleware does not
// re-apply peer payloads, it only re-reads and notifies.
package file
