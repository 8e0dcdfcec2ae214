// Package fs provides the file abstraction behind the file-descriptor
// driver, plus fault injection for its tests.
//
//   - [File]: an open backing file with positional read/write and sync
//   - [FileSystem]: open, remove, rename, stat and friends
//
// # Implementations
//
//   - [LocalFS]: the os package
//   - [FaultyFS]: wraps another FileSystem and fails reads, writes, syncs
//     or closes on demand
//
// Tests inject [FaultyFS] to drive write-back failures through a mapping:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("backing", fs.Fault{FailAfterBytes: 0})
//	d, _ := driver.OpenFile(ffs, path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Operations take no context.Context. Local file I/O is not interruptible
// at the syscall level; remote stores go through the blobstore package.
package fs
