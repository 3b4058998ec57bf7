//go:build linux

package ring

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"

	"golang.org/x/sys/unix"
)

func (r *Ring) mapSegment(fp *os.File, length int, fresh bool) error {
	mem, err := unix.Mmap(int(fp.Fd()), 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mmap ring segment %s", r.path)
	}
	r.mem = mem
	r.ctrl = (*ctrlBlock)(unsafe.Pointer(&mem[0]))
	_ = fresh
	return nil
}

func (r *Ring) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.ctrl = nil
	r.arena = nil
	return err
}
