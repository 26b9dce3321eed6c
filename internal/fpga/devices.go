// Package fpga discovers Xilinx and AWS F1 accelerator boards from the sysfs
// PCI device tree.
package fpga

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"
)

const (
	SysfsDevices = "/sys/bus/pci/devices"

	XilinxVendorID      = "0x10ee"
	AWSVendorID         = "0x1d0f"
	AWSUserPFDeviceID   = "0x1042"
	AWSUserPFDeviceIDSd = "0xf010"
	// AWS does not publish the shell in sysfs
	AWSShellVersion = "xilinx_aws-vu9p-f1-04261818_dynamic_5_0"

	Healthy = "Healthy"

	mgmtPrefix = "/dev/xclmgmt"
	userPrefix = "/dev/dri"
	drmDir     = "drm"
	renderNode = "renderD"
	romPrefix  = "rom.u."
	userFunc   = ".0"
	mgmtFunc   = ".1"
)

var ErrInvalidDBDF = errors.New("invalid PCI address")

// Nodes are the character devices a container needs to use the board. Mgmt is
// empty when the management function is not visible, as inside a VM.
type Nodes struct {
	Mgmt string `json:"mgmt,omitempty"`
	User string `json:"user"`
}

type Device struct {
	Index        string `json:"index"`
	ShellVersion string `json:"shell_version"`
	Timestamp    string `json:"timestamp"`
	DBDF         string `json:"dbdf"` // of the user function
	DeviceID     string `json:"device_id"`
	Health       string `json:"health"`
	Nodes        Nodes  `json:"nodes"`
}

// Instance returns the instance number the xocl driver assigns to the PCI
// function dbdf (domain:bus:device.function, hexadecimal).
func Instance(dbdf string) (uint64, error) {
	parts := strings.Split(dbdf, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDBDF, dbdf)
	}
	devfn := strings.Split(parts[2], ".")
	if len(devfn) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDBDF, dbdf)
	}

	var fields [4]uint64
	for i, f := range []struct {
		s    string
		bits int
	}{
		{parts[0], 16},
		{parts[1], 8},
		{devfn[0], 8},
		{devfn[1], 8},
	} {
		v, err := strconv.ParseUint(f.s, 16, f.bits)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDBDF, dbdf, err)
		}
		fields[i] = v
	}
	return fields[0]*65536 + fields[1]*256 + fields[2]*8 + fields[3], nil
}

// Discover lists the boards found in fsys, which is rooted at the sysfs PCI
// devices directory (os.DirFS(SysfsDevices)). Devices are numbered from 1 in
// directory order.
func Discover(fsys fs.FS) ([]Device, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing PCI devices: %w", err)
	}

	var devices []Device
	mgmt := make(map[string]string) // domain:bus:device => mgmt node
	for _, entry := range entries {
		dbdf := entry.Name()
		vendor, err := readAttr(fsys, dbdf, "vendor")
		if err != nil {
			return nil, err
		}

		var d *Device
		switch {
		case strings.EqualFold(vendor, XilinxVendorID):
			switch {
			case strings.HasSuffix(dbdf, userFunc):
				d, err = xilinxUser(fsys, dbdf)
			case strings.HasSuffix(dbdf, mgmtFunc):
				var instance string
				instance, err = readAttr(fsys, dbdf, "instance")
				mgmt[slot(dbdf)] = mgmtPrefix + instance
			}
		case strings.EqualFold(vendor, AWSVendorID):
			d, err = awsUser(fsys, dbdf)
		}
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		d.Index = strconv.Itoa(len(devices) + 1)
		d.Health = Healthy
		devices = append(devices, *d)
	}

	for i := range devices {
		devices[i].Nodes.Mgmt = mgmt[slot(devices[i].DBDF)]
		slog.Debug("fpga device",
			"index", devices[i].Index,
			"dbdf", devices[i].DBDF,
			"shell", devices[i].ShellVersion,
			"user", devices[i].Nodes.User,
			"mgmt", devices[i].Nodes.Mgmt,
		)
	}
	return devices, nil
}

func xilinxUser(fsys fs.FS, dbdf string) (*Device, error) {
	instance, err := Instance(dbdf)
	if err != nil {
		return nil, err
	}
	rom := romPrefix + strconv.FormatUint(instance, 10)

	d := &Device{DBDF: dbdf}
	if d.ShellVersion, err = readAttr(fsys, dbdf, path.Join(rom, "VBNV")); err != nil {
		return nil, err
	}
	if d.Timestamp, err = readAttr(fsys, dbdf, path.Join(rom, "timestamp")); err != nil {
		return nil, err
	}
	if d.DeviceID, err = readAttr(fsys, dbdf, "device"); err != nil {
		return nil, err
	}
	if d.Nodes.User, err = userNode(fsys, dbdf); err != nil {
		return nil, err
	}
	return d, nil
}

func awsUser(fsys fs.FS, dbdf string) (*Device, error) {
	devID, err := readAttr(fsys, dbdf, "device")
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(devID, AWSUserPFDeviceID) && !strings.EqualFold(devID, AWSUserPFDeviceIDSd) {
		return nil, nil
	}
	node, err := userNode(fsys, dbdf)
	if err != nil {
		return nil, err
	}
	return &Device{
		ShellVersion: AWSShellVersion,
		Timestamp:    "0",
		DBDF:         dbdf,
		DeviceID:     devID,
		Nodes:        Nodes{User: node},
	}, nil
}

// userNode finds the DRM render node of the user function. A function without
// a bound driver has none and yields "/dev/dri".
func userNode(fsys fs.FS, dbdf string) (string, error) {
	entries, err := fs.ReadDir(fsys, path.Join(dbdf, drmDir))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path.Join(dbdf, drmDir), err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), renderNode) {
			return path.Join(userPrefix, e.Name()), nil
		}
	}
	return userPrefix, nil
}

func readAttr(fsys fs.FS, dbdf, name string) (string, error) {
	b, err := fs.ReadFile(fsys, path.Join(dbdf, name))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path.Join(dbdf, name), err)
	}
	return strings.TrimSpace(string(b)), nil
}

// slot strips the function number: 0000:03:00.1 => 0000:03:00
func slot(dbdf string) string {
	if i := strings.LastIndexByte(dbdf, '.'); i > 0 {
		return dbdf[:i]
	}
	return dbdf
}
