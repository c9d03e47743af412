package cachefs

import (
	"github.com/vcache-platform/vcache/cachefs/internal/fsmeta"
	"github.com/vcache-platform/vcache/cachefs/internal/layout"
	"github.com/vcache-platform/vcache/cachefs/internal/volume"
)

// SlotSummary mirrors one decoded metadata slot for the offline tooling.
type SlotSummary = fsmeta.SlotSummary

// InspectReport is the offline view of a volume produced without touching
// its content.
type InspectReport struct {
	Path       string
	Size       uint64
	MDMaxSize  uint64
	MDOffsets  [2]uint64
	DataOffset uint64
	DataSize   uint64

	// Slots holds the A and B decoded headers.
	Slots [2]SlotSummary
	// Picked names the slot a load would install: "A", "B" or "none".
	Picked string
}

func inspectPlacement(path string, minAvgObjSize uint32) (volume.Info, *fsmeta.FSMetadata, layout.Placement, error) {
	vi, err := volume.LoadCheckInfo(path)
	if err != nil {
		return vi, nil, layout.Placement{}, err
	}
	meta := fsmeta.NewFSMetadata(vi.Size, minAvgObjSize)
	pl := layout.NewPlacement(vi.Size, meta.MaxSizeOnDisk())
	return vi, meta, pl, nil
}

// InspectVolume decodes both metadata slots of a volume and reports which
// one a startup load would pick. The volume is opened read-only.
func InspectVolume(path string, minAvgObjSize uint32) (*InspectReport, error) {
	vi, meta, pl, err := inspectPlacement(path, minAvgObjSize)
	if err != nil {
		return nil, err
	}

	rep := &InspectReport{
		Path:       path,
		Size:       vi.Size,
		MDMaxSize:  pl.MDMaxSize,
		MDOffsets:  pl.MDOffsets,
		DataOffset: pl.DataOffset,
		DataSize:   pl.DataSize,
		Picked:     "none",
	}

	for i := range 2 {
		rdr, err := volume.NewDiskReader(path, pl.MDOffsets[i], pl.MDOffsets[i]+pl.MDMaxSize)
		if err != nil {
			return nil, err
		}
		rep.Slots[i] = meta.InspectSlot(rdr)
		rdr.Close()
	}

	switch {
	case rep.Slots[0].Valid && rep.Slots[1].Valid:
		if rep.Slots[1].SyncSerial > rep.Slots[0].SyncSerial {
			rep.Picked = "B"
		} else {
			rep.Picked = "A"
		}
	case rep.Slots[0].Valid:
		rep.Picked = "A"
	case rep.Slots[1].Valid:
		rep.Picked = "B"
	}
	return rep, nil
}

// ListKeys loads the preferred metadata slot read-only and visits every
// indexed key with its logical ranges. Return false from fn to stop early.
func ListKeys(path string, minAvgObjSize uint32, fn func(key Key, rngs []Range) bool) error {
	_, meta, pl, err := inspectPlacement(path, minAvgObjSize)
	if err != nil {
		return err
	}

	slotA, err := volume.NewDiskReader(path, pl.MDOffsets[0], pl.MDOffsets[0]+pl.MDMaxSize)
	if err != nil {
		return err
	}
	defer slotA.Close()
	slotB, err := volume.NewDiskReader(path, pl.MDOffsets[1], pl.MDOffsets[1]+pl.MDMaxSize)
	if err != nil {
		return err
	}
	defer slotB.Close()

	ok, err := meta.Load(slotA, slotB)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPresent
	}
	meta.ForEachKey(fn)
	return nil
}

// KeyFromHex parses a 32-character hex object key.
func KeyFromHex(s string) (Key, error) { return fsmeta.KeyFromHex(s) }
