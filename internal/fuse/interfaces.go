package fuse

// This file documents the FUSE interfaces implemented by s3wofs

/*
FUSE Interfaces Documentation

This file documents the interfaces from bazil.org/fuse/fs that s3wofs
implements and what each one does on a write-only mount.

For more information, see: https://pkg.go.dev/bazil.org/fuse/fs
*/

// ============================================================================
// Filesystem-Level Interfaces
// ============================================================================

/*
FS Interface - Root filesystem node
Implemented by: FuseFS

Returns the single root directory.

FSStatfser Interface - Filesystem statistics
Implemented by: FuseFS

Reports a large synthetic capacity so copy tools do not refuse to start.

FSDestroyer Interface - Unmount notification
Implemented by: FuseFS

Aborts every upload that is still open.
*/

// ============================================================================
// Directory Interfaces
// ============================================================================

/*
NodeRequestLookuper Interface - Look up child nodes by name
Implemented by: Dir

Static entries are cached by the kernel for a minute. Open uploads are
returned with a zero entry timeout, so a finished upload disappears on the
next lookup.

HandleReadDirAller Interface - Read directory contents
Implemented by: Dir

Always returns exactly the static entries. Uploads are never listed.

NodeCreater Interface - Create files
Implemented by: Dir

Starts an upload. Only write-only creates are accepted.

NodeMkdirer, NodeRemover, NodeRenamer, NodeLinker, NodeSymlinker, NodeMknoder
Implemented by: Dir

Refused. mkdir reports EACCES, everything else ENOTSUP.
*/

// ============================================================================
// File Interfaces
// ============================================================================

/*
NodeOpener Interface - Open files
Implemented by: StaticFile, UploadFile

Static entries open read-only. Upload nodes open write-only; a node whose
upload already finished starts a new one.

HandleReader Interface - Read file data
Implemented by: StaticFile, UploadHandle

Serves the notice text. Uploads report ENOTSUP.

HandleWriter Interface - Write file data
Implemented by: UploadHandle

Appends to the upload. Offsets must be sequential.

NodeSetattrer Interface - Change attributes
Implemented by: UploadFile

Mode, owner and time changes are ignored. Size changes are only accepted
when they match the bytes received so far.

HandleFlusher, NodeFsyncer
Implemented by: UploadHandle, UploadFile

No-ops. Parts are sent as soon as they are full.

HandleReleaser Interface - Close file handles
Implemented by: UploadHandle

Completes the upload with whatever was written.
*/
