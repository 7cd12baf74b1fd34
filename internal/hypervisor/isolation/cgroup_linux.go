//go:build linux

package isolation

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"apexhv/internal/hypervisor/config"
	apperrors "apexhv/pkg/errors"
)

// createPartitionCgroup creates root/name, removing a stale directory left
// by an earlier run.
func createPartitionCgroup(root, name string) (string, error) {
	if root == "" {
		return "", apperrors.New(apperrors.CgroupFailed).WithMessage("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, name)
	if _, err := os.Stat(cgroupPath); err == nil {
		_ = killCgroup(cgroupPath)
		if err := removeCgroup(cgroupPath, time.Second); err != nil {
			return "", apperrors.Wrapf(err, apperrors.CgroupFailed, "remove stale cgroup %s", cgroupPath)
		}
	}
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		code := apperrors.CgroupFailed
		if errors.Is(err, os.ErrPermission) {
			code = apperrors.InsufficientPrivilege
		}
		return "", apperrors.Wrapf(err, code, "create cgroup path %s", cgroupPath)
	}
	return cgroupPath, nil
}

func applyCgroupLimits(cgroupPath string, desc config.PartitionDescriptor) error {
	pidsValue := "max"
	if desc.PIDsMax > 0 {
		pidsValue = strconv.FormatInt(desc.PIDsMax, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if desc.MemoryMax > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(desc.MemoryMax, 10)); err != nil {
			return err
		}
	}
	cpuMax := desc.CPUMax
	if cpuMax == "" {
		cpuMax = "max 100000"
	}
	return writeCgroupValue(cgroupPath, "cpu.max", cpuMax)
}

func freezeCgroup(cgroupPath string, frozen bool) error {
	value := "0"
	if frozen {
		value = "1"
	}
	return writeCgroupValue(cgroupPath, "cgroup.freeze", value)
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

// cgroupEvents parses cgroup.events into key/value pairs.
func cgroupEvents(cgroupPath string) (map[string]int64, error) {
	return readFlatKeyed(filepath.Join(cgroupPath, "cgroup.events"))
}

// cgroupCPUUsage returns usage_usec from cpu.stat.
func cgroupCPUUsage(cgroupPath string) (time.Duration, error) {
	stats, err := readFlatKeyed(filepath.Join(cgroupPath, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	usec, ok := stats["usage_usec"]
	if !ok {
		return 0, fmt.Errorf("cpu.stat has no usage_usec")
	}
	return time.Duration(usec) * time.Microsecond, nil
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	events, err := readFlatKeyed(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	return events["oom_kill"] > 0
}

// removeCgroup removes the directory once the kernel reports it unpopulated.
func removeCgroup(cgroupPath string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		err := os.Remove(cgroupPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		if events, evErr := cgroupEvents(cgroupPath); evErr == nil && events["populated"] == 1 {
			_ = killCgroup(cgroupPath)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFlatKeyed(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := make(map[string]int64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, sc.Err()
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return apperrors.Wrapf(err, apperrors.CgroupFailed, "write %s", path)
	}
	return nil
}
