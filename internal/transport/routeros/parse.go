package routeros

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"accessgrid/core-go/internal/device"
)

// parseKeyValue reads "key: value" lines as printed by non-list menus such as
// /system resource.
func parseKeyValue(out string) map[string]string {
	kv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(strings.TrimSuffix(line, "\r")), ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" || strings.ContainsAny(k, " \t") {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}
	return kv
}

func parseResources(out string) (device.Resources, error) {
	kv := parseKeyValue(out)
	load, ok := kv["cpu-load"]
	if !ok {
		return device.Resources{}, fmt.Errorf("resource output has no cpu-load: %q", firstLine(out))
	}
	cpu, err := strconv.Atoi(strings.TrimSuffix(load, "%"))
	if err != nil || cpu < 0 || cpu > 100 {
		return device.Resources{}, fmt.Errorf("bad cpu-load %q", load)
	}

	res := device.Resources{
		CPULoad:   cpu,
		Version:   kv["version"],
		BoardName: kv["board-name"],
	}
	for key, dst := range map[string]*uint64{
		"total-memory":    &res.MemoryTotal,
		"free-memory":     &res.MemoryFree,
		"total-hdd-space": &res.DiskTotal,
		"free-hdd-space":  &res.DiskFree,
	} {
		v, ok := kv[key]
		if !ok {
			continue
		}
		n, err := parseSize(v)
		if err != nil {
			return device.Resources{}, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	if v, ok := kv["uptime"]; ok {
		up, err := parseUptime(v)
		if err != nil {
			return device.Resources{}, err
		}
		res.Uptime = up
	}
	return res, nil
}

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"B", 1},
}

// parseSize converts sizes like "1024.0MiB" or "65536" to bytes.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	mult := 1.0
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			mult = u.mult
			break
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return uint64(f * mult), nil
}

// parseUptime accepts both "1w2d3h4m5s" and the older "1w2d03:04:05" form.
func parseUptime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	orig := s
	if s == "" {
		return 0, fmt.Errorf("empty uptime")
	}

	var total time.Duration
	if i := strings.LastIndexAny(s, "wd"); strings.Contains(s, ":") {
		clock := s
		if i >= 0 {
			clock = s[i+1:]
			s = s[:i+1]
		} else {
			s = ""
		}
		parts := strings.Split(clock, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("bad uptime %q", orig)
		}
		for j, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
			n, err := strconv.Atoi(parts[j])
			if err != nil {
				return 0, fmt.Errorf("bad uptime %q", orig)
			}
			total += time.Duration(n) * unit
		}
	}

	num := 0
	digits := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if '0' <= c && c <= '9' {
			num = num*10 + int(c-'0')
			digits = true
			continue
		}
		if !digits {
			return 0, fmt.Errorf("bad uptime %q", orig)
		}
		var unit time.Duration
		switch c {
		case 'w':
			unit = 7 * 24 * time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			if i+1 < len(s) && s[i+1] == 's' {
				unit = time.Millisecond
				i++
			} else {
				unit = time.Minute
			}
		case 's':
			unit = time.Second
		default:
			return 0, fmt.Errorf("bad uptime %q", orig)
		}
		total += time.Duration(num) * unit
		num, digits = 0, false
	}
	if digits {
		return 0, fmt.Errorf("bad uptime %q", orig)
	}
	return total, nil
}

// parseHealth understands the v7 terse form (name=... value=... type=...) and
// falls back to the v6 "key: value" form.
func parseHealth(out string) ([]device.HealthReading, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	if recs, err := parseTerse(out); err == nil {
		var readings []device.HealthReading
		for _, r := range recs {
			name := r.get("name")
			if name == "" {
				continue
			}
			v, err := strconv.ParseFloat(r.get("value"), 64)
			if err != nil {
				continue
			}
			unit := r.get("type")
			if unit == "°C" || unit == "C" {
				unit = "C"
			}
			readings = append(readings, device.HealthReading{Name: name, Value: v, Unit: unit})
		}
		return readings, nil
	}

	var readings []device.HealthReading
	for k, raw := range parseKeyValue(out) {
		num, unit := splitUnit(raw)
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			continue
		}
		readings = append(readings, device.HealthReading{Name: k, Value: v, Unit: unit})
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("unexpected health output: %q", firstLine(out))
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Name < readings[j].Name })
	return readings, nil
}

func splitUnit(s string) (string, string) {
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if ('0' <= c && c <= '9') || c == '.' {
			break
		}
		i--
	}
	unit := strings.TrimSpace(s[i:])
	if unit == "°C" {
		unit = "C"
	}
	return s[:i], unit
}

func parseInterfaces(list, stats string) ([]device.Interface, error) {
	recs, err := parseTerse(list)
	if err != nil {
		return nil, fmt.Errorf("interfaces: %w", err)
	}
	statRecs, err := parseTerse(stats)
	if err != nil {
		return nil, fmt.Errorf("interface stats: %w", err)
	}
	byName := make(map[string]record, len(statRecs))
	for _, r := range statRecs {
		byName[r.get("name")] = r
	}

	out := make([]device.Interface, 0, len(recs))
	for _, r := range recs {
		ifc := device.Interface{
			Name:      r.get("name"),
			Type:      r.get("type"),
			Running:   r.has('R') || r.get("running") == "true",
			Disabled:  r.bool("disabled", 'X'),
			Dynamic:   r.bool("dynamic", 'D'),
			MAC:       r.get("mac-address"),
			LinkDowns: r.uint("link-downs"),
		}
		if mtu, err := strconv.Atoi(r.get("actual-mtu")); err == nil {
			ifc.MTU = mtu
		} else if mtu, err := strconv.Atoi(r.get("mtu")); err == nil {
			ifc.MTU = mtu
		}
		if s, ok := byName[ifc.Name]; ok {
			ifc.RxBytes = s.uint("rx-byte")
			ifc.TxBytes = s.uint("tx-byte")
			ifc.RxPackets = s.uint("rx-packet")
			ifc.TxPackets = s.uint("tx-packet")
			if n := s.uint("link-downs"); n > ifc.LinkDowns {
				ifc.LinkDowns = n
			}
		}
		out = append(out, ifc)
	}
	return out, nil
}

func parseAddresses(out string) ([]device.IPAddress, error) {
	recs, err := parseTerse(out)
	if err != nil {
		return nil, fmt.Errorf("addresses: %w", err)
	}
	addrs := make([]device.IPAddress, 0, len(recs))
	for _, r := range recs {
		addrs = append(addrs, device.IPAddress{
			Address:   r.get("address"),
			Network:   r.get("network"),
			Interface: r.get("interface"),
			Dynamic:   r.bool("dynamic", 'D'),
			Disabled:  r.bool("disabled", 'X'),
		})
	}
	return addrs, nil
}

func parsePools(out string) ([]device.Pool, error) {
	recs, err := parseTerse(out)
	if err != nil {
		return nil, fmt.Errorf("pools: %w", err)
	}
	pools := make([]device.Pool, 0, len(recs))
	for _, r := range recs {
		pools = append(pools, device.Pool{Name: r.get("name"), Ranges: r.get("ranges")})
	}
	return pools, nil
}

func parseSecrets(out string) ([]device.Secret, error) {
	recs, err := parseTerse(out)
	if err != nil {
		return nil, fmt.Errorf("ppp secrets: %w", err)
	}
	secrets := make([]device.Secret, 0, len(recs))
	for _, r := range recs {
		secrets = append(secrets, device.Secret{
			Name:          r.get("name"),
			Service:       r.get("service"),
			Profile:       r.get("profile"),
			RemoteAddress: r.get("remote-address"),
			Disabled:      r.bool("disabled", 'X'),
			Comment:       r.get("comment"),
		})
	}
	return secrets, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
