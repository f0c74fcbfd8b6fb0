package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// Grains are static facts about the host.
type Grains map[string]any

// collectGrains gathers OS, CPU, memory and network facts from the local system.
func (r *Runner) collectGrains() Grains {
	g := Grains{
		"id":      r.id,
		"kernel":  kernelName(runtime.GOOS),
		"cpuarch": runtime.GOARCH,
	}

	if host, err := os.Hostname(); err == nil {
		g["host"] = strings.SplitN(host, ".", 2)[0]
		g["nodename"] = host
	}

	r.osGrains(g)
	r.cpuGrains(g)
	r.memGrains(g)
	networkGrains(g)

	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if r.lookPath(mgr) {
			g["pkg_manager"] = mgr
			break
		}
	}

	// Roster-supplied grains shipped with a transaction package win over detected ones.
	if data, err := os.ReadFile(filepath.Join(r.ThinDir, protocol.RunningData, protocol.RosterGrainsFile)); err == nil {
		var extra map[string]any
		if json.Unmarshal(data, &extra) == nil {
			for k, v := range extra {
				g[k] = v
			}
		}
	}
	return g
}

func kernelName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "freebsd":
		return "FreeBSD"
	default:
		return goos
	}
}

// osGrains reads /etc/os-release.
func (r *Runner) osGrains(g Grains) {
	if data, err := os.ReadFile(r.path("/proc/sys/kernel/osrelease")); err == nil {
		g["kernelrelease"] = strings.TrimSpace(string(data))
	}

	f, err := os.Open(r.path("/etc/os-release"))
	if err != nil {
		return
	}
	defer f.Close()

	release := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		release[key] = strings.Trim(value, "\"'")
	}

	if name := release["NAME"]; name != "" {
		g["os"] = strings.Fields(name)[0]
		g["osfullname"] = name
	}
	if v := release["VERSION_ID"]; v != "" {
		g["osrelease"] = v
		g["osmajorrelease"] = strings.SplitN(v, ".", 2)[0]
	}
	if v := release["VERSION_CODENAME"]; v != "" {
		g["oscodename"] = v
	}
	g["os_family"] = osFamily(release["ID"], release["ID_LIKE"])
}

func osFamily(id, like string) string {
	for _, candidate := range append([]string{id}, strings.Fields(like)...) {
		switch candidate {
		case "debian", "ubuntu":
			return "Debian"
		case "rhel", "fedora", "centos", "rocky", "almalinux":
			return "RedHat"
		case "suse", "opensuse", "sles":
			return "Suse"
		case "arch":
			return "Arch"
		case "alpine":
			return "Alpine"
		}
	}
	if id == "" {
		return "Unknown"
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

// cpuGrains reads /proc/cpuinfo.
func (r *Runner) cpuGrains(g Grains) {
	g["num_cpus"] = runtime.NumCPU()

	f, err := os.Open(r.path("/proc/cpuinfo"))
	if err != nil {
		return
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			count++
		case "model name":
			g["cpu_model"] = value
		case "vendor_id":
			g["cpu_vendor"] = value
		}
	}
	if count > 0 {
		g["num_cpus"] = count
	}
}

// memGrains reads /proc/meminfo. Sizes are in MiB.
func (r *Runner) memGrains(g Grains) {
	f, err := os.Open(r.path("/proc/meminfo"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			g["mem_total"] = value / 1024
		case "SwapTotal:":
			g["swap_total"] = value / 1024
		}
	}
}

// networkGrains lists addresses and hardware addresses of the non-loopback interfaces.
func networkGrains(g Grains) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	ipv4 := []string{}
	ipv6 := []string{}
	hwaddr := map[string]string{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 {
			hwaddr[iface.Name] = iface.HardwareAddr.String()
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.To4() != nil {
				ipv4 = append(ipv4, ipnet.IP.String())
			} else {
				ipv6 = append(ipv6, ipnet.IP.String())
			}
		}
	}
	sort.Strings(ipv4)
	sort.Strings(ipv6)
	g["ipv4"] = ipv4
	g["ipv6"] = ipv6
	g["hwaddr_interfaces"] = hwaddr
}

// lookup resolves a colon-delimited key such as "locale_info:defaultencoding".
func (g Grains) lookup(key string) (any, bool) {
	var cur any = map[string]any(g)
	for _, part := range strings.Split(key, ":") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func registerGrains(r *Runner) {
	r.Register("grains.items", func(ctx context.Context, call *Call) (any, error) {
		return call.Runner().collectGrains(), nil
	})

	r.Register("grains.item", func(ctx context.Context, call *Call) (any, error) {
		g := call.Runner().collectGrains()
		out := make(map[string]any, len(call.Args))
		for _, key := range call.Args {
			v, _ := g.lookup(key)
			out[key] = v
		}
		return out, nil
	})

	r.Register("grains.get", func(ctx context.Context, call *Call) (any, error) {
		key, ok := call.Arg(0, "key")
		if !ok {
			return nil, fmt.Errorf("key is required")
		}
		v, ok := call.Runner().collectGrains().lookup(key)
		if !ok {
			def, _ := call.Arg(1, "default")
			return def, nil
		}
		return v, nil
	})

	r.Register("grains.ls", func(ctx context.Context, call *Call) (any, error) {
		g := call.Runner().collectGrains()
		keys := make([]string, 0, len(g))
		for k := range g {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	})
}
