package resource

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const mountInfoFile = "/proc/self/mountinfo"

// deviceCache memoizes path -> backing device resolution, since mountinfo
// parsing is a full linear scan and instance disk usage is sampled on
// every monitoring tick.
type deviceCache struct {
	mu    sync.Mutex
	cache map[string]string
}

func newDeviceCache() *deviceCache {
	return &deviceCache{cache: make(map[string]string)}
}

func (c *deviceCache) resolve(path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if device, ok := c.cache[path]; ok {
		return device, nil
	}

	device, err := pathToDevice(path)
	if err != nil {
		return "", err
	}

	c.cache[path] = device

	return device, nil
}

// pathToDevice resolves the block device backing path by matching its
// major:minor device number against /proc/self/mountinfo's mount entries.
func pathToDevice(path string) (string, error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	majorMinor := fmt.Sprintf("%d:%d", unix.Major(stat.Dev), unix.Minor(stat.Dev))

	file, err := os.Open(mountInfoFile)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", mountInfoFile, err)
	}
	defer file.Close()

	const majorMinorField = 2
	const mountSourceField = 9

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) <= mountSourceField {
			continue
		}

		if fields[majorMinorField] != majorMinor {
			continue
		}

		return fields[mountSourceField], nil
	}

	return "", fmt.Errorf("resolve device for %s: not found in mountinfo", path)
}
