package bufpool

import "golang.org/x/sys/unix"

// allocArena maps anonymous memory outside the Go heap, page aligned, so
// the kernel may keep pointers into it for the lifetime of a request.
func allocArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func freeArena(b []byte) error {
	return unix.Munmap(b)
}
