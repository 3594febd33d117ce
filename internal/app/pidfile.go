package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nuetzliches/mgmtagent/internal/attach"
)

// claimPIDFile writes the current pid to pidFile unless it already names a
// live process. The returned func removes the file if it still holds our pid.
func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}
	if pid, err := readPIDFile(pidFile); err == nil && pidRunning(pid) {
		return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
	}

	pid := os.Getpid()
	if err := writePIDFile(pidFile, pid); err != nil {
		return nil, err
	}
	return func() {
		if cur, err := readPIDFile(pidFile); err == nil && cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

func writePIDFile(pidFile string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidFile), "."+filepath.Base(pidFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pidFile); err != nil {
		return err
	}
	keepTemp = true
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}

// pidRunning is attach.ProcessExists minus zombies, which still answer
// signal 0 on Linux.
func pidRunning(pid int) bool {
	if pid <= 0 || isZombiePID(pid) {
		return false
	}
	return attach.ProcessExists(pid)
}

func isZombiePID(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The command name may contain spaces; the state follows the closing paren.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return false
	}
	fields := strings.Fields(s[i+1:])
	return len(fields) > 0 && fields[0] == "Z"
}
