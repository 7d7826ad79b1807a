// Package fallocate provides a thin, platform-specific wrapper around the
// fallocate(2) family of syscalls, used by the fallocate operation handler
// to reserve or punch holes in regular files without going through a
// read/modify/write cycle.
package fallocate

// Fallocate manipulates the allocated disk space for the file referred to
// by fd, for the byte range [off, off+len). mode carries the FALLOC_FL_*
// bits from the request unchanged. On FreeBSD, mode is ignored and the
// call is posix_fallocate(2), which only reserves space.
func Fallocate(fd int, mode uint32, off int64, len int64) error {
	return fallocate(fd, mode, off, len)
}
