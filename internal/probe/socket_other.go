//go:build !(linux || darwin)

package probe

import (
	"errors"
	"net/netip"
)

const (
	pollIn  = 0x1
	pollOut = 0x4
	pollErr = 0x8 | 0x10 | 0x20
)

type pollFd struct {
	Fd      int32
	Events  int16
	Revents int16
}

type dialFunc func(addr netip.AddrPort, source netip.Addr) (int, error)

func dial(netip.AddrPort, netip.Addr) (int, error) { return -1, errors.ErrUnsupported }
func connectError(int) error                       { return errors.ErrUnsupported }
func sockRead(int, []byte) (int, error)            { return 0, errors.ErrUnsupported }
func sockWrite(int, []byte) (int, error)           { return 0, errors.ErrUnsupported }
func shutdownWrite(int) error                      { return errors.ErrUnsupported }
func shutdownRead(int) error                       { return errors.ErrUnsupported }
func closeFd(int) error                            { return nil }
func poll([]pollFd, int) (int, error)              { return 0, errors.ErrUnsupported }
func wouldBlock(error) bool                        { return false }
func exhausted(error) bool                         { return false }
func exhaustionCause(err error) string             { return err.Error() }
func refused(error) bool                           { return false }
func timedOut(error) bool                          { return false }
func descriptorLimit() int                         { return 0 }
