package volume

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vcache-platform/vcache/cachefs/internal/layout"
)

// Info describes a probed volume.
type Info struct {
	// Path of the block device or regular file.
	Path string
	// Size in bytes, rounded down to a whole number of store blocks.
	Size uint64
	// HWSectorSize is the device's logical sector size.
	HWSectorSize uint32
	// Alignment is the extra byte offset needed to align I/O on stacked
	// devices (JBOD/RAID); zero on plain volumes.
	Alignment uint32
	// SkipBytes is the reserved area before metadata slot A.
	SkipBytes uint32
}

func (i Info) String() string {
	return fmt.Sprintf("{path: %s, size_bytes: %d, hw_sector_size: %d, alignment: %d, skip_bytes: %d}",
		i.Path, i.Size, i.HWSectorSize, i.Alignment, i.SkipBytes)
}

// LoadCheckInfo probes the volume at path and validates that the engine can
// run on it. Block and character devices are sized via ioctl; regular files
// via stat. Anything else is refused.
func LoadCheckInfo(path string) (Info, error) {
	res := Info{Path: path}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return res, fmt.Errorf("open volume %q: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return res, fmt.Errorf("fstat volume %q: %w", path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK, unix.S_IFCHR:
		size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			return res, fmt.Errorf("ioctl BLKGETSIZE64 on %q: %w", path, err)
		}
		sector, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
		if err != nil {
			return res, fmt.Errorf("ioctl BLKSSZGET on %q: %w", path, err)
		}
		res.Size = uint64(size) / layout.StoreBlockSize * layout.StoreBlockSize
		res.HWSectorSize = uint32(sector)
		// The alignment offset may be non-zero for logical volumes
		// backed by JBOD or RAID devices. BLKALIGNOFF is absent from
		// x/sys/unix, hence the raw ioctl number.
		const blkAlignOff = 0x127a
		if align, err := unix.IoctlGetInt(fd, blkAlignOff); err == nil {
			res.Alignment = uint32(align)
		}
	case unix.S_IFREG:
		res.Size = uint64(st.Size) / layout.StoreBlockSize * layout.StoreBlockSize
		res.HWSectorSize = layout.StoreBlockSize
		res.Alignment = 0
	default:
		return res, fmt.Errorf(
			"unsupported volume type for %q: only block devices and regular files are supported", path)
	}

	if res.Size < layout.MinVolumeSize {
		return res, fmt.Errorf("volume %q too small: size %d bytes, min volume size %d bytes",
			path, res.Size, uint64(layout.MinVolumeSize))
	}
	if res.HWSectorSize != layout.StoreBlockSize {
		return res, fmt.Errorf("unsupported HW sector size %d bytes on %q: the supported size is %d bytes",
			res.HWSectorSize, path, layout.StoreBlockSize)
	}
	if res.Alignment != 0 && layout.VolumeSkipBytes%res.Alignment != 0 {
		return res, fmt.Errorf("unsupported volume alignment offset %d bytes on %q", res.Alignment, path)
	}
	res.SkipBytes = layout.VolumeSkipBytes

	return res, nil
}
