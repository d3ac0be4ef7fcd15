//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// terminateGroup has no graceful equivalent on Windows; both the
// terminate and kill paths call TerminateProcess.
func terminateGroup(pid int) { terminate(pid) }

func killGroup(pid int) { terminate(pid) }

func terminate(pid int) {
	if pid <= 0 {
		return
	}
	ret, _, _ := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return
	}
	handle := syscall.Handle(ret)
	_, _, _ = procTerminateProcess.Call(uintptr(handle), 1)
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}
