package fpga

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// ResourcePrefix starts the resource name of every device type, the full name
// is xilinx.com/fpga-<shell version>-<timestamp>.
const ResourcePrefix = "xilinx.com/fpga"

// DSAType identifies boards flashed with the same shell: containers built for
// one shell do not run on another.
func DSAType(d Device) string {
	return d.ShellVersion + "-" + d.Timestamp
}

func ResourceName(dsaType string) string {
	return ResourcePrefix + "-" + dsaType
}

// Groups maps a DSA type to its devices keyed by DBDF.
type Groups map[string]map[string]Device

func Group(devices []Device) Groups {
	g := make(Groups)
	for _, d := range devices {
		t := DSAType(d)
		if g[t] == nil {
			g[t] = make(map[string]Device)
		}
		g[t][d.DBDF] = d
	}
	return g
}

// Resources returns the devices per resource name, sorted by DBDF.
func (g Groups) Resources() map[string][]Device {
	ret := make(map[string][]Device, len(g))
	for t, devices := range g {
		list := slices.Collect(maps.Values(devices))
		slices.SortFunc(list, func(a, b Device) int {
			return strings.Compare(a.DBDF, b.DBDF)
		})
		ret[ResourceName(t)] = list
	}
	return ret
}

func (g Groups) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Resources())
}

// Changes is the difference of two scans per DSA type. Updated holds the new
// devices of a type present in both scans whose devices differ.
type Changes struct {
	Added   Groups `json:"added"`
	Updated Groups `json:"updated"`
	Removed Groups `json:"removed"`
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// sameDevice ignores Index, it shifts whenever a board before it comes or goes.
func sameDevice(a, b Device) bool {
	a.Index, b.Index = "", ""
	return a == b
}

// Diff compares the previous scan with the current one, neither is modified.
func Diff(prev, cur Groups) Changes {
	c := Changes{
		Added:   make(Groups),
		Updated: make(Groups),
		Removed: make(Groups),
	}
	for t, devices := range prev {
		next, ok := cur[t]
		switch {
		case !ok:
			c.Removed[t] = devices
		case !maps.EqualFunc(devices, next, sameDevice):
			c.Updated[t] = next
		}
	}
	for t, devices := range cur {
		if _, ok := prev[t]; !ok {
			c.Added[t] = devices
		}
	}
	return c
}
