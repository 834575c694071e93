// Package gpu enumerates the display adapters present on the host so a
// profiling report can record which devices it was captured on.
package gpu

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

const drmClassPath = "class/drm"

// Vendor IDs as they appear in sysfs, without the 0x prefix.
const (
	VendorNVIDIA = "10de"
	VendorAMD    = "1002"
	VendorIntel  = "8086"
)

// Device describes a single DRM card found under sysfs.
type Device struct {
	Card     string `json:"card"`
	PCISlot  string `json:"pci_slot,omitempty"`
	VendorID string `json:"vendor_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Name     string `json:"name,omitempty"`
}

// CUDACapable reports whether the device can run CUDA kernels.
func (d Device) CUDACapable() bool {
	return d.VendorID == VendorNVIDIA
}

// Inventory lists DRM cards under sysfsRoot, ordered by card index.
// A missing DRM class directory is not an error; it yields no devices.
func Inventory(sysfsRoot string, logger *slog.Logger) ([]Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	root, err := os.OpenRoot(sysfsRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer root.Close()

	entries, err := fs.ReadDir(root.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "root", sysfsRoot)
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var devices []Device
	for _, entry := range entries {
		card := entry.Name()
		if _, ok := cardIndex(card); !ok {
			continue
		}

		dev, err := readDevice(root, card)
		if err != nil {
			logger.Debug("skipping card", "card", card, "err", err)
			continue
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		a, _ := cardIndex(devices[i].Card)
		b, _ := cardIndex(devices[j].Card)
		return a < b
	})

	return devices, nil
}

func readDevice(root *os.Root, card string) (Device, error) {
	// Class entries are symlinks into devices/, which stays inside the root.
	devDir := path.Join(drmClassPath, card, "device")

	dev := Device{Card: card}

	uevent, err := fs.ReadFile(root.FS(), path.Join(devDir, "uevent"))
	if err != nil {
		return Device{}, fmt.Errorf("read uevent: %w", err)
	}
	for _, line := range strings.Split(string(uevent), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "PCI_SLOT_NAME":
			dev.PCISlot = value
		case "PCI_ID":
			vendor, device, _ := strings.Cut(value, ":")
			dev.VendorID = normalizeID(vendor)
			dev.DeviceID = normalizeID(device)
		}
	}

	if dev.VendorID == "" {
		dev.VendorID = normalizeID(readTrim(root, path.Join(devDir, "vendor")))
	}
	if dev.DeviceID == "" {
		dev.DeviceID = normalizeID(readTrim(root, path.Join(devDir, "device")))
	}

	dev.Vendor, dev.Name = lookupNames(dev.VendorID, dev.DeviceID)
	if dev.Name == "" {
		dev.Name = readTrim(root, path.Join(devDir, "product_name"))
	}

	return dev, nil
}

func readTrim(root *os.Root, name string) string {
	data, err := fs.ReadFile(root.FS(), name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func cardIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "card")
	if !ok || digits == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func normalizeID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}
