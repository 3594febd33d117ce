//go:build windows

package attach

import (
	"io/fs"

	"golang.org/x/sys/windows"
)

const windowsStillActiveExitCode = 259

// ProcessExists reports whether pid names a live process.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == windowsStillActiveExitCode
}

// checkPrivate relies on the ACL inherited from the per-user cache
// directory; Windows mode bits carry no owner information.
func checkPrivate(string, fs.FileInfo) error {
	return nil
}
