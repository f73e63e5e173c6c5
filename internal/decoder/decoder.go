// Package decoder turns the raw status data block read from the controller
// into a SystemFrame. The byte/bit offsets mirror the controller's memory map
// and are configurable per deployment.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rufus800/challawa-np/internal/model"
)

const realSize = 4

// BitAddr addresses a single bit inside the block.
type BitAddr struct {
	Byte int `yaml:"byte"`
	Bit  int `yaml:"bit"`
}

func (b BitAddr) String() string {
	return fmt.Sprintf("%d.%d", b.Byte, b.Bit)
}

// DeviceLayout locates one pump's flags and REAL values.
type DeviceLayout struct {
	DeviceID         int     `yaml:"device_id"`
	Ready            BitAddr `yaml:"ready"`
	Running          BitAddr `yaml:"running"`
	Trip             BitAddr `yaml:"trip"`
	Pressure         int     `yaml:"pressure"`
	PressureSetpoint int     `yaml:"pressure_setpoint"`
	Speed            int     `yaml:"speed"`
}

type Layout struct {
	BlockLength int            `yaml:"block_length"`
	Alarm       BitAddr        `yaml:"alarm"`
	Devices     []DeviceLayout `yaml:"devices"`
}

// DefaultLayout is the DB39 map of the Line 7 pump station. Pump 1 and
// pump 2 order their ready/running bits differently; this is how the
// controller program lays them out.
func DefaultLayout() Layout {
	return Layout{
		BlockLength: 28,
		Alarm:       BitAddr{Byte: 0, Bit: 0},
		Devices: []DeviceLayout{
			{
				DeviceID:         1,
				Ready:            BitAddr{Byte: 0, Bit: 1},
				Running:          BitAddr{Byte: 0, Bit: 2},
				Trip:             BitAddr{Byte: 0, Bit: 3},
				Pressure:         2,
				PressureSetpoint: 6,
				Speed:            10,
			},
			{
				DeviceID:         2,
				Running:          BitAddr{Byte: 14, Bit: 0},
				Ready:            BitAddr{Byte: 14, Bit: 1},
				Trip:             BitAddr{Byte: 14, Bit: 2},
				Pressure:         16,
				PressureSetpoint: 20,
				Speed:            24,
			},
		},
	}
}

// DeviceIDs lists the configured device ids in layout order.
func (l Layout) DeviceIDs() []int {
	ids := make([]int, 0, len(l.Devices))
	for _, d := range l.Devices {
		ids = append(ids, d.DeviceID)
	}
	return ids
}

func (l Layout) Validate() error {
	if l.BlockLength <= 0 {
		return errors.New("block length must be > 0")
	}
	if len(l.Devices) == 0 {
		return errors.New("at least one device must be configured")
	}

	var errs []error
	checkBit := func(name string, b BitAddr) {
		if b.Bit < 0 || b.Bit > 7 {
			errs = append(errs, fmt.Errorf("%s: bit index %d out of range 0..7", name, b.Bit))
		}
		if b.Byte < 0 || b.Byte >= l.BlockLength {
			errs = append(errs, fmt.Errorf("%s: byte %d outside block of %d bytes", name, b.Byte, l.BlockLength))
		}
	}
	checkReal := func(name string, offset int) {
		if offset < 0 || offset+realSize > l.BlockLength {
			errs = append(errs, fmt.Errorf("%s: REAL at offset %d does not fit in %d bytes", name, offset, l.BlockLength))
		}
	}

	checkBit("alarm", l.Alarm)
	seen := make(map[int]bool, len(l.Devices))
	for _, d := range l.Devices {
		if seen[d.DeviceID] {
			errs = append(errs, fmt.Errorf("device %d configured twice", d.DeviceID))
		}
		seen[d.DeviceID] = true

		prefix := fmt.Sprintf("device %d ", d.DeviceID)
		checkBit(prefix+"ready", d.Ready)
		checkBit(prefix+"running", d.Running)
		checkBit(prefix+"trip", d.Trip)
		checkReal(prefix+"pressure", d.Pressure)
		checkReal(prefix+"pressure_setpoint", d.PressureSetpoint)
		checkReal(prefix+"speed", d.Speed)
	}

	return errors.Join(errs...)
}

// Decode extracts every configured device from block. The caller guarantees
// len(block) >= layout.BlockLength; a short block is a read failure, not a
// decode failure.
func Decode(layout Layout, block []byte, at time.Time) model.SystemFrame {
	frame := model.SystemFrame{
		Alarm:     getBool(block, layout.Alarm),
		Readings:  make(map[int]model.DeviceReading, len(layout.Devices)),
		Connected: true,
		Timestamp: at,
	}

	for _, d := range layout.Devices {
		frame.Readings[d.DeviceID] = model.NewDeviceReading(
			getBool(block, d.Ready),
			getBool(block, d.Running),
			getBool(block, d.Trip),
			getReal(block, d.Pressure),
			getReal(block, d.PressureSetpoint),
			getReal(block, d.Speed),
		)
	}

	return frame
}

func getBool(block []byte, addr BitAddr) bool {
	return block[addr.Byte]&(1<<uint(addr.Bit)) != 0
}

// getReal reads an S7 REAL: big-endian IEEE-754 single precision.
func getReal(block []byte, offset int) float64 {
	bits := binary.BigEndian.Uint32(block[offset : offset+realSize])
	return float64(math.Float32frombits(bits))
}
