//go:build windows

package stream

import (
	"unsafe"

	F "github.com/sagernet/sing/common/format"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
)

// Not every handle managed here is the server end of a named pipe, but
// when one is, the client process is worth knowing about.
func peerInfo(handle any) string {
	file, isFile := handle.(interface{ Fd() uintptr })
	if !isFile {
		return ""
	}
	if procGetNamedPipeClientProcessId.Find() != nil {
		// Not available before Vista.
		return ""
	}
	var pid uint32
	ret, _, _ := procGetNamedPipeClientProcessId.Call(file.Fd(), uintptr(unsafe.Pointer(&pid)))
	if ret == 0 {
		return ""
	}
	return F.ToString("process id ", pid)
}
