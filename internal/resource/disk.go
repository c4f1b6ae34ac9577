package resource

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// Linux quota command encoding, from <linux/quota.h>: QCMD packs a
// subcommand and a quota type into a single ioctl-style command word.
const (
	subCmdShift = 8
	subCmdMask  = 0x00ff

	qGetQuota = 0x0300
	usrQuota  = 0
)

func qcmd(cmd, qType int) int {
	return (cmd << subCmdShift) | (qType & subCmdMask)
}

// dqblk mirrors struct if_dqblk from <linux/quota.h>, the fixed-width
// quota record returned by Q_GETQUOTA.
type dqblk struct {
	bHardLimit uint64
	bSoftLimit uint64
	curSpace   uint64
	iHardLimit uint64
	iSoftLimit uint64
	curInodes  uint64
	bTime      uint64
	iTime      uint64
	valid      uint32
	_          [4]byte
}

func quotactl(cmd int, special string, id int, quota *dqblk) error {
	path, err := unix.BytePtrFromString(special)
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall6(unix.SYS_QUOTACTL,
		uintptr(cmd), uintptr(unsafe.Pointer(path)), uintptr(id), uintptr(unsafe.Pointer(quota)), 0, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

func quotasSupported(device string) bool {
	var quota dqblk

	return quotactl(qcmd(qGetQuota, usrQuota), device, 0, &quota) == nil
}

var sharedDeviceCache = newDeviceCache()

// getInstanceDiskUsage resolves path's backing device and reads the
// filesystem user quota's current space usage for uid. It returns
// ErrNotSupported when the backing filesystem does not have quotas
// enabled, matching the original implementation's tolerant behaviour
// (quota support is optional, not every partition needs it).
func getInstanceDiskUsage(path string, uid uint32) (uint64, error) {
	device, err := sharedDeviceCache.resolve(path)
	if err != nil {
		return 0, &core.ErrRuntime{Component: "resource", Cause: err}
	}

	if !quotasSupported(device) {
		return 0, &core.ErrNotSupported{Operation: "disk quota for " + device}
	}

	var quota dqblk

	if err := quotactl(qcmd(qGetQuota, usrQuota), device, int(uid), &quota); err != nil {
		return 0, &core.ErrRuntime{Component: "resource", Cause: err}
	}

	return quota.curSpace, nil
}
