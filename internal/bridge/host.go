package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Host shells out to the platform's own tools. Selected once in main for the
// current GOOS.
type Host struct{}

func NewHost() *Host { return &Host{} }

// Fingerprint hashes stable hardware identifiers (hostname, OS/arch, primary
// MAC, CPU model) into a hex digest the backend ties the license to.
func (h *Host) Fingerprint() (string, error) {
	var identifiers []string

	if hostname, err := os.Hostname(); err == nil {
		identifiers = append(identifiers, "HOST:"+hostname)
	}
	identifiers = append(identifiers, "OS:"+runtime.GOOS, "ARCH:"+runtime.GOARCH)

	if mac, err := primaryMACAddress(); err == nil {
		identifiers = append(identifiers, "MAC:"+mac)
	}
	if cpu, err := cpuModel(); err == nil {
		identifiers = append(identifiers, "CPU:"+cpu)
	}

	if len(identifiers) == 0 {
		return "", fmt.Errorf("no hardware identifiers available")
	}
	hash := sha256.Sum256([]byte(strings.Join(identifiers, "|")))
	return hex.EncodeToString(hash[:]), nil
}

func primaryMACAddress() (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, iface := range []string{"eth0", "ens33", "enp0s3", "wlan0"} {
			out, err := os.ReadFile("/sys/class/net/" + iface + "/address")
			if err == nil && len(out) > 0 {
				return strings.TrimSpace(string(out)), nil
			}
		}
	case "darwin":
		out, err := exec.Command("ifconfig", "en0").Output()
		if err == nil {
			for _, line := range strings.Split(string(out), "\n") {
				if strings.Contains(line, "ether") {
					fields := strings.Fields(line)
					if len(fields) >= 2 {
						return fields[1], nil
					}
				}
			}
		}
	case "windows":
		out, err := exec.Command("getmac", "/fo", "csv", "/nh").Output()
		if err == nil && len(out) > 0 {
			parts := strings.Split(string(out), ",")
			if len(parts) > 0 {
				return strings.Trim(parts[0], "\" \r\n"), nil
			}
		}
	}
	return "", fmt.Errorf("no MAC address found")
}

func cpuModel() (string, error) {
	switch runtime.GOOS {
	case "linux":
		out, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(out), "\n") {
				if strings.HasPrefix(line, "model name") {
					parts := strings.SplitN(line, ":", 2)
					if len(parts) == 2 {
						return strings.TrimSpace(parts[1]), nil
					}
				}
			}
		}
	case "darwin":
		out, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
	case "windows":
		out, err := exec.Command("wmic", "cpu", "get", "name").Output()
		if err == nil {
			lines := strings.Split(string(out), "\n")
			if len(lines) > 1 {
				return strings.TrimSpace(lines[1]), nil
			}
		}
	}
	return "", fmt.Errorf("no CPU info found")
}

func (h *Host) Lock() error {
	switch runtime.GOOS {
	case "windows":
		return run("rundll32.exe", "user32.dll,LockWorkStation")
	case "darwin":
		return run("pmset", "displaysleepnow")
	default:
		return run("loginctl", "lock-session")
	}
}

func (h *Host) Shutdown() error {
	switch runtime.GOOS {
	case "windows":
		return run("shutdown", "/s", "/t", "30", "/c", "System shutdown requested by administrator")
	default:
		return run("shutdown", "-h", "+1")
	}
}

func (h *Host) Restart() error {
	switch runtime.GOOS {
	case "windows":
		return run("shutdown", "/r", "/t", "30", "/c", "System restart requested by administrator")
	default:
		return run("shutdown", "-r", "+1")
	}
}

func (h *Host) Logoff() error {
	switch runtime.GOOS {
	case "windows":
		return run("shutdown", "/l")
	default:
		return run("loginctl", "terminate-user", os.Getenv("USER"))
	}
}

func (h *Host) CancelShutdown() error {
	switch runtime.GOOS {
	case "windows":
		return run("shutdown", "/a")
	default:
		return run("shutdown", "-c")
	}
}

func (h *Host) ShowNotification(title, body string) error {
	switch runtime.GOOS {
	case "windows":
		script := fmt.Sprintf("msg * /time:10 %q", title+": "+body)
		return run("powershell", "-NoProfile", "-Command", script)
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return run("osascript", "-e", script)
	default:
		return run("notify-send", title, body)
	}
}

func run(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
