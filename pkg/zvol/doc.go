/*
Package zvol exposes pool datasets as block volumes.

A Registry holds one Volume per dataset, created with CreateMinor and
reachable by name. Each volume is published as a Provider (block requests
through Handle.Submit and Handle.Do) or a CharDev (ReadAt, WriteAt and the
ioctl-style methods on Handle), chosen by its volmode property.

# Opening

The first Open of a volume owns its dataset, read-only unless the caller
asks for write access; the last Close syncs what was written and releases
it. OExcl opens fail with ErrBusy while anyone else has the volume open.

# Requests

Every request holds the volume suspend lock shared and a byte range lock,
shared for reads and exclusive for writes and deletes. Writes are split
into transactions of at most MaxTransfer bytes and recorded in the intent
log, which is committed for sync requests and for volumes with sync=always.
Asynchronous requests run on the Dispatcher; requests from the same CPU hint
to nearby offsets stay in order.

# Removal

Remove marks a volume so that new opens and requests fail with
ErrNoSuchDevice, then waits for open handles to close. Rename keeps
Provider handles usable and revokes CharDev handles.

Errors map to platform codes with Errno.
*/
package zvol
