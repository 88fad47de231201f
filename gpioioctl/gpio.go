package gpioioctl

// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
)

// LineDir is the configured direction of a GPIOLine.
type LineDir uint32

const (
	LineDirNotSet LineDir = 0
	LineInput     LineDir = 1
	LineOutput    LineDir = 2
)

const (
	// LinesPerBank is the number of lines of one Sitara GPIO bank, each of
	// which the kernel exposes as its own gpiochip.
	LinesPerBank = 32
	// MaxPin is the highest Sitara GPIO number (bank 3, line 31).
	MaxPin = 4*LinesPerBank - 1
)

// The consumer name to use for line requests. Initialized in init()
var consumer []byte

// The set of GPIO Chips found on the running device.
var Chips []*GPIOChip

type Label string

var DirectionLabels = []Label{"NotSet", "Input", "Output"}

// PullLabels is indexed by gpio.Pull.
var PullLabels = []Label{"Float", "PullDown", "PullUp", "PullNoChange"}

var EdgeLabels = []Label{"NoEdge", "RisingEdge", "FallingEdge", "BothEdges"}

func logger() logrus.FieldLogger {
	return logging.For(nil, "gpioioctl")
}

// A GPIOLine represents a specific line of a GPIO Chip. GPIOLine implements
// periph.io/conn/v3/gpio.PinIn, PinIO, and PinOut. A line is obtained by
// calling gpioreg.ByName(), LineByNumber(), or using the GPIOChip.ByName()
// or ByNumber() methods.
type GPIOLine struct {
	// The Offset of this line on the chip.
	number uint32
	// The Sitara GPIO number, bank*32+offset, or -1 when the chip isn't one
	// of the four SoC banks.
	global int
	// The name supplied by the OS Driver
	name string
	// If the line is in use, this may be populated with the
	// consuming application's information.
	consumer  string
	edge      gpio.Edge
	pull      gpio.Pull
	direction LineDir
	mu        sync.Mutex
	chip_fd   uintptr
	fd        int32
	// fEdge wraps fd once edge detection was requested so reads can have a
	// deadline.
	fEdge *os.File
}

func newGPIOLine(lineNum uint32, name string, consumer string, fd uintptr) *GPIOLine {
	return &GPIOLine{
		number:   lineNum,
		global:   -1,
		name:     strings.Trim(name, "\x00"),
		consumer: strings.Trim(consumer, "\x00"),
		chip_fd:  fd,
	}
}

// Close the line, and any associated files/file descriptors that were created.
func (line *GPIOLine) Close() {
	line.mu.Lock()
	defer line.mu.Unlock()
	if line.fEdge != nil {
		_ = line.fEdge.Close()
	} else if line.fd != 0 {
		_ = closeFD(int(line.fd))
	}
	line.fd = 0
	line.consumer = ""
	line.edge = gpio.NoEdge
	line.direction = LineDirNotSet
	line.pull = gpio.PullNoChange
	line.fEdge = nil
}

// Consumer returns the name of the consumer specified for a line when
// a line request was performed. The format used by this library is
// program_name@pid.
func (line *GPIOLine) Consumer() string {
	return line.consumer
}

// DefaultPull returns gpio.PullNoChange; the v2 ioctls can't report it.
func (line *GPIOLine) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Halt interrupts a pending WaitForEdge() or WaitForEvent() call.
func (line *GPIOLine) Halt() error {
	line.mu.Lock()
	f := line.fEdge
	line.mu.Unlock()
	if f != nil {
		return f.SetReadDeadline(time.UnixMilli(0))
	}
	return nil
}

// In configures the GPIOLine for input. Implements gpio.PinIn.
//
// When edge is not gpio.NoEdge the line is ready for WaitForEvent() on
// return.
func (line *GPIOLine) In(pull gpio.Pull, edge gpio.Edge) error {
	line.mu.Lock()
	defer line.mu.Unlock()
	if err := line.setLine(getFlags(LineInput, edge, pull)); err != nil {
		return err
	}
	line.edge = edge
	line.direction = LineInput
	line.pull = pull
	if edge == gpio.NoEdge || line.fEdge != nil {
		return nil
	}
	if err := setNonblock(int(line.fd)); err != nil {
		return fmt.Errorf("GPIOLine.In() SetNonblock: %w", err)
	}
	line.fEdge = os.NewFile(uintptr(line.fd), fmt.Sprintf("gpio-%d", line.number))
	return nil
}

// Implements gpio.Pin
func (line *GPIOLine) Name() string {
	return line.name
}

// Number returns the line offset/number within the GPIOChip. Implements gpio.Pin
func (line *GPIOLine) Number() int {
	return int(line.number)
}

// GPIO returns the Sitara GPIO number of the line, or -1 if the line is not
// on one of the SoC banks.
func (line *GPIOLine) GPIO() int {
	return line.global
}

// Write the specified level to the line. Implements gpio.PinOut
func (line *GPIOLine) Out(l gpio.Level) error {
	line.mu.Lock()
	defer line.mu.Unlock()
	if line.direction != LineOutput {
		if err := line.setOut(); err != nil {
			return fmt.Errorf("GPIOLine.Out(): %w", err)
		}
	}
	var data gpio_v2_line_values
	data.mask = 0x01
	if l {
		data.bits = 0x01
	}
	return ioctl_set_gpio_v2_line_values(uintptr(line.fd), &data)
}

// Pull returns the configured Line Bias.
func (line *GPIOLine) Pull() gpio.Pull {
	return line.pull
}

// PWM is not available through the GPIO character device.
func (line *GPIOLine) PWM(gpio.Duty, physic.Frequency) error {
	return hwerr.New("GPIOLine.PWM", hwerr.ErrUnsupported, "not available through gpio ioctl")
}

// Read the value of this line. Implements gpio.PinIn
//
// Errors are logged and read as gpio.Low; use Value() to get them.
func (line *GPIOLine) Read() gpio.Level {
	l, err := line.Value()
	if err != nil {
		logger().WithError(err).WithField("line", line.name).Warn("GPIOLine.Read()")
		return gpio.Low
	}
	return l
}

// Value returns the instantaneous level of the line. An unconfigured line is
// first configured as input with pull-up.
func (line *GPIOLine) Value() (gpio.Level, error) {
	line.mu.Lock()
	dir := line.direction
	line.mu.Unlock()
	if dir == LineDirNotSet {
		if err := line.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return gpio.Low, err
		}
	}
	line.mu.Lock()
	defer line.mu.Unlock()
	var data gpio_v2_line_values
	data.mask = 0x01
	if err := ioctl_get_gpio_v2_line_values(uintptr(line.fd), &data); err != nil {
		return gpio.Low, fmt.Errorf("GPIOLine.Value(): %w", err)
	}
	return data.bits&0x01 == 0x01, nil
}

func (line *GPIOLine) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Line      int    `json:"Line"`
		GPIO      int    `json:"GPIO"`
		Name      string `json:"Name"`
		Consumer  string `json:"Consumer"`
		Direction Label  `json:"Direction"`
		Pull      Label  `json:"Pull"`
		Edges     Label  `json:"Edges"`
	}{
		Line:      line.Number(),
		GPIO:      line.GPIO(),
		Name:      line.Name(),
		Consumer:  line.Consumer(),
		Direction: DirectionLabels[line.direction],
		Pull:      PullLabels[line.pull],
		Edges:     EdgeLabels[line.edge]})
}

// String returns information about the line in valid JSON format.
func (line *GPIOLine) String() string {
	json, _ := json.MarshalIndent(line, "", "    ")
	return string(json)
}

// WaitForEdge waits for this line to trigger an edge event. Implements
// gpio.PinIn. See WaitForEvent() to learn which edge fired.
func (line *GPIOLine) WaitForEdge(timeout time.Duration) bool {
	edge, err := line.WaitForEvent(timeout)
	if err != nil {
		logger().WithError(err).WithField("line", line.name).Warn("GPIOLine.WaitForEdge()")
		return false
	}
	return edge != gpio.NoEdge
}

// WaitForEvent blocks until the line reports an edge, the timeout expires or
// Halt() is called. In() must have been called with an edge.
//
// It returns gpio.RisingEdge or gpio.FallingEdge for an event, and
// gpio.NoEdge with a nil error on timeout or halt. A timeout of 0 waits
// forever.
func (line *GPIOLine) WaitForEvent(timeout time.Duration) (gpio.Edge, error) {
	line.mu.Lock()
	f := line.fEdge
	line.mu.Unlock()
	if f == nil {
		return gpio.NoEdge, hwerr.New("GPIOLine.WaitForEvent", hwerr.ErrNotInitialized, "line not configured for edge detection")
	}
	var deadline time.Time
	if timeout != 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := f.SetReadDeadline(deadline); err != nil {
		return gpio.NoEdge, fmt.Errorf("GPIOLine.WaitForEvent() SetReadDeadline: %w", err)
	}
	var event gpio_v2_line_event
	if err := binary.Read(f, binary.LittleEndian, &event); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return gpio.NoEdge, nil
		}
		return gpio.NoEdge, fmt.Errorf("GPIOLine.WaitForEvent(): %w", err)
	}
	return eventEdge(&event), nil
}

// eventEdge returns the edge reported by a kernel line event.
func eventEdge(event *gpio_v2_line_event) gpio.Edge {
	switch event.Id {
	case _GPIO_V2_LINE_EVENT_RISING_EDGE:
		return gpio.RisingEdge
	case _GPIO_V2_LINE_EVENT_FALLING_EDGE:
		return gpio.FallingEdge
	}
	return gpio.NoEdge
}

// Return the file descriptor associated with this line. If it
// hasn't been previously requested, then open the file descriptor
// for it.
func (line *GPIOLine) getLine() (int32, error) {
	if line.fd != 0 {
		return line.fd, nil
	}
	var req gpio_v2_line_request
	req.offsets[0] = uint32(line.number)
	req.num_lines = 1
	copy(req.consumer[:], consumer)

	if err := ioctl_gpio_v2_line_request(line.chip_fd, &req); err != nil {
		return 0, fmt.Errorf("line_request ioctl: %w", err)
	}
	line.fd = req.fd
	line.consumer = string(consumer)
	return line.fd, nil
}

func (line *GPIOLine) setOut() error {
	if err := line.setLine(getFlags(LineOutput, gpio.NoEdge, gpio.PullNoChange)); err != nil {
		return err
	}
	line.direction = LineOutput
	line.edge = gpio.NoEdge
	line.pull = gpio.PullNoChange
	return nil
}

func (line *GPIOLine) setLine(flags uint64) error {
	req_fd, err := line.getLine()
	if err != nil {
		return err
	}

	var req gpio_v2_line_config
	req.flags = flags
	return ioctl_gpio_v2_line_config(uintptr(req_fd), &req)
}

// Deprecated: Use PinFunc.Func. Will be removed in v4. Function implements pin.Pin.
func (line *GPIOLine) Function() string {
	return string(line.Func())
}

// Func implements pin.PinFunc.
func (line *GPIOLine) Func() pin.Func {
	switch line.direction {
	case LineInput:
		if line.Read() {
			return gpio.IN_HIGH
		}
		return gpio.IN_LOW
	case LineOutput:
		if line.Read() {
			return gpio.OUT_HIGH
		}
		return gpio.OUT_LOW
	}
	return pin.FuncNone
}

// SupportedFuncs implements pin.PinFunc.
func (line *GPIOLine) SupportedFuncs() []pin.Func {
	return []pin.Func{gpio.IN, gpio.OUT}
}

// SetFunc implements pin.PinFunc.
func (line *GPIOLine) SetFunc(f pin.Func) error {
	switch f {
	case gpio.IN:
		return line.In(gpio.PullNoChange, gpio.NoEdge)
	case gpio.OUT_HIGH:
		return line.Out(gpio.High)
	case gpio.OUT, gpio.OUT_LOW:
		return line.Out(gpio.Low)
	default:
		return hwerr.New("GPIOLine.SetFunc", hwerr.ErrUnsupported, string(f))
	}
}

// A representation of a Linux GPIO Chip. A computer may have
// more than one GPIOChip.
type GPIOChip struct {
	// The name of the device as reported by the kernel.
	name string
	// Path represents the path to the /dev/gpiochip* character
	// device used for ioctl() calls.
	path  string
	label string
	// The number of lines this device supports.
	lineCount int
	// The set of Lines associated with this device.
	lines []*GPIOLine
	// The file descriptor to the Path device.
	fd uintptr
	// File associated with the file descriptor.
	file *os.File
}

func (chip *GPIOChip) Name() string {
	return chip.name
}

func (chip *GPIOChip) Path() string {
	return chip.path
}

func (chip *GPIOChip) Label() string {
	return chip.label
}

func (chip *GPIOChip) LineCount() int {
	return chip.lineCount
}

func (chip *GPIOChip) Lines() []*GPIOLine {
	return chip.lines
}

// Construct a new GPIOChip by opening the /dev/gpiochip*
// path specified and using Kernel ioctl() calls to
// read information about the chip and it's associated lines.
func newGPIOChip(path string) (*GPIOChip, error) {
	chip := GPIOChip{path: path}
	f, err := os.OpenFile(path, os.O_RDONLY, 0400)
	if err != nil {
		return nil, hwerr.Wrap("gpioioctl.open "+path, hwerr.ErrUnavailable, err)
	}
	// Holding the *os.File keeps the descriptor from being closed by the
	// finalizer.
	chip.file = f
	chip.fd = f.Fd()
	var info gpiochip_info
	if err = ioctl_gpiochip_info(chip.fd, &info); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("newgpiochip %s: %w", path, err)
	}

	chip.name = strings.Trim(string(info.name[:]), "\x00")
	chip.label = strings.Trim(string(info.label[:]), "\x00")
	if len(chip.label) == 0 {
		chip.label = chip.name
	}
	chip.lineCount = int(info.lines)
	bank := bankOf(path)
	var line_info gpio_v2_line_info
	for offset := 0; offset < int(info.lines); offset++ {
		line_info.offset = uint32(offset)
		if err := ioctl_gpio_v2_line_info(chip.fd, &line_info); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("reading line info: %w", err)
		}
		line := newGPIOLine(uint32(offset), string(line_info.name[:]), string(line_info.consumer[:]), chip.fd)
		if bank >= 0 && offset < LinesPerBank {
			line.global = bank*LinesPerBank + offset
		}
		chip.lines = append(chip.lines, line)
	}
	return &chip, nil
}

// bankOf returns the Sitara bank served by /dev/gpiochipN, or -1.
func bankOf(path string) int {
	var n int
	if _, err := fmt.Sscanf(filepath.Base(path), "gpiochip%d", &n); err != nil {
		return -1
	}
	if n < 0 || n > MaxPin/LinesPerBank {
		return -1
	}
	return n
}

// Close closes the file descriptor associated with the chipset,
// along with any configured Lines.
func (chip *GPIOChip) Close() {
	for _, line := range chip.lines {
		if line.fd != 0 {
			line.Close()
		}
	}
	if chip.file != nil {
		_ = chip.file.Close()
	}
	chip.file = nil
	chip.fd = 0
}

// ByName returns a GPIOLine for a specific name. If not
// found, returns nil.
func (chip *GPIOChip) ByName(name string) *GPIOLine {
	for _, line := range chip.lines {
		if line.name == name {
			return line
		}
	}
	return nil
}

// ByNumber returns a line by it's specific GPIO Chip line
// number. Note this has NO RELATIONSHIP to a pin # on
// a board.
func (chip *GPIOChip) ByNumber(number int) *GPIOLine {
	if number < 0 || number >= len(chip.lines) {
		return nil
	}
	return chip.lines[number]
}

// LineByNumber returns the line for Sitara GPIO number n (0..127), which
// lives on /dev/gpiochip{n/32} at offset n%32. The driver must have been
// initialized with host.Init().
func LineByNumber(n int) (*GPIOLine, error) {
	if n < 0 || n > MaxPin {
		return nil, hwerr.New("gpioioctl.LineByNumber", hwerr.ErrInvalidArgument, fmt.Sprintf("pin %d not in [0, %d]", n, MaxPin))
	}
	for _, chip := range Chips {
		for _, line := range chip.lines {
			if line.global == n {
				return line, nil
			}
		}
	}
	if len(Chips) == 0 {
		return nil, hwerr.New("gpioioctl.LineByNumber", hwerr.ErrNotInitialized, "no gpio chip loaded; call host.Init()")
	}
	return nil, hwerr.New("gpioioctl.LineByNumber", hwerr.ErrUnavailable, fmt.Sprintf("/dev/gpiochip%d has no line %d", n/LinesPerBank, n%LinesPerBank))
}

// getFlags accepts a set of GPIO configuration values and returns an
// appropriate uint64 ioctl gpio flag.
func getFlags(dir LineDir, edge gpio.Edge, pull gpio.Pull) uint64 {
	var flags uint64
	switch dir {
	case LineInput:
		flags |= _GPIO_V2_LINE_FLAG_INPUT
	case LineOutput:
		flags |= _GPIO_V2_LINE_FLAG_OUTPUT
	}
	switch pull {
	case gpio.PullUp:
		flags |= _GPIO_V2_LINE_FLAG_BIAS_PULL_UP
	case gpio.PullDown:
		flags |= _GPIO_V2_LINE_FLAG_BIAS_PULL_DOWN
	case gpio.Float:
		flags |= _GPIO_V2_LINE_FLAG_BIAS_DISABLED
	}
	switch edge {
	case gpio.RisingEdge:
		flags |= _GPIO_V2_LINE_FLAG_EDGE_RISING
	case gpio.FallingEdge:
		flags |= _GPIO_V2_LINE_FLAG_EDGE_FALLING
	case gpio.BothEdges:
		flags |= _GPIO_V2_LINE_FLAG_EDGE_RISING | _GPIO_V2_LINE_FLAG_EDGE_FALLING
	}
	return flags
}

func (chip *GPIOChip) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string      `json:"Name"`
		Path      string      `json:"Path"`
		Label     string      `json:"Label"`
		LineCount int         `json:"LineCount"`
		Lines     []*GPIOLine `json:"Lines"`
	}{
		Name:      chip.Name(),
		Path:      chip.Path(),
		Label:     chip.Label(),
		LineCount: chip.LineCount(),
		Lines:     chip.lines})
}

// String returns the chip information, and line information in JSON format.
func (chip *GPIOChip) String() string {
	json, _ := json.MarshalIndent(chip, "", "    ")
	return string(json)
}

// driverGPIO implements periph.Driver.
type driverGPIO struct {
	_ string
}

func (d *driverGPIO) String() string {
	return "ioctl-gpio"
}

func (d *driverGPIO) Prerequisites() []string {
	return nil
}

func (d *driverGPIO) After() []string {
	return nil
}

// Init initializes GPIO ioctl handling code.
//
// # Uses Linux gpio ioctl as described at
//
// https://docs.kernel.org/userspace-api/gpio/chardev.html
func (d *driverGPIO) Init() (bool, error) {
	if runtime.GOOS != "linux" {
		return false, errors.New("gpio ioctl is only available on linux")
	}
	items, err := filepath.Glob("/dev/gpiochip*")
	if err != nil {
		return true, fmt.Errorf("gpioioctl: %w", err)
	}
	if len(items) == 0 {
		return false, errors.New("no GPIO chips found")
	}
	var chips []*GPIOChip
	for _, item := range items {
		chip, err := newGPIOChip(item)
		if err != nil {
			logger().WithError(err).Warn("gpioioctl.driverGPIO.Init()")
			continue
		}
		chips = append(chips, chip)
	}
	// The SoC banks come first in bank order, anything else (I/O expanders,
	// PMIC) after them by label.
	sort.Slice(chips, func(i, j int) bool {
		bi, bj := bankOf(chips[i].path), bankOf(chips[j].path)
		if bi >= 0 && bj >= 0 {
			return bi < bj
		}
		if bi >= 0 || bj >= 0 {
			return bi >= 0
		}
		return chips[i].Label() < chips[j].Label()
	})

	mName := make(map[string]struct{})
	registeredPins := make(map[string]struct{})
	for _, p := range gpioreg.All() {
		registeredPins[p.Name()] = struct{}{}
	}

	for _, chip := range chips {
		if _, found := mName[chip.Name()]; found {
			chip.Close()
			continue
		}
		Chips = append(Chips, chip)
		mName[chip.Name()] = struct{}{}
		for _, line := range chip.lines {
			if len(line.name) == 0 || line.name == "_" || line.name == "-" || line.name == "NC" {
				continue
			}
			if _, ok := registeredPins[line.Name()]; ok {
				// Duplicate name, prefix the line name with the chip name.
				line.name = chip.Name() + "-" + line.Name()
				if _, found := registeredPins[line.Name()]; found {
					continue
				}
			}
			registeredPins[line.Name()] = struct{}{}
			if err = gpioreg.Register(line); err != nil {
				logger().WithError(err).WithField("chip", chip.Name()).WithField("line", line.Name()).Warn("gpioreg.Register")
			}
		}
	}
	return len(Chips) > 0, nil
}

var drvGPIO driverGPIO

func init() {
	// The consumer name is shown by tools like gpioinfo for requested lines.
	fname := path.Base(os.Args[0])
	s := fmt.Sprintf("%s@%d", fname, os.Getpid())
	charBytes := []byte(s)
	if len(charBytes) >= _GPIO_MAX_NAME_SIZE {
		charBytes = charBytes[:_GPIO_MAX_NAME_SIZE-1]
	}
	consumer = charBytes

	driverreg.MustRegister(&drvGPIO)
}

// Ensure that Interfaces for these types are implemented fully.
var _ gpio.PinIO = &GPIOLine{}
var _ gpio.PinIn = &GPIOLine{}
var _ gpio.PinOut = &GPIOLine{}
var _ pin.PinFunc = &GPIOLine{}
