package usb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultSysfs is where the usb core driver exposes bind and unbind
	DefaultSysfs = "/sys/bus/usb/drivers/usb"

	// DefaultSettle is the wait after unbind and after bind
	DefaultSettle = 2 * time.Second
)

// Recovery rebinds the modem's USB device to force a re-enumeration
type Recovery struct {
	device string
	sysfs  string
	settle time.Duration
	sleep  func(time.Duration)
	logger func(string, ...interface{})
}

// Option configures a Recovery
type Option func(*Recovery)

// WithSysfs overrides the driver directory
func WithSysfs(dir string) Option {
	return func(r *Recovery) {
		r.sysfs = dir
	}
}

// WithSettle overrides the wait after each step
func WithSettle(d time.Duration) Option {
	return func(r *Recovery) {
		r.settle = d
	}
}

// NewRecovery creates a recovery for device, e.g. "1-1"
func NewRecovery(device string, logger func(string, ...interface{}), opts ...Option) *Recovery {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	r := &Recovery{
		device: device,
		sysfs:  DefaultSysfs,
		settle: DefaultSettle,
		sleep:  time.Sleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Device returns the USB path being recovered
func (r *Recovery) Device() string {
	return r.device
}

// Unbind detaches the device from the driver
func (r *Recovery) Unbind() error {
	r.log("Unbinding USB device %s", r.device)
	if err := r.write("unbind"); err != nil {
		return err
	}
	r.log("USB device unbound, waiting %s", r.settle)
	r.sleep(r.settle)
	return nil
}

// Bind reattaches the device to the driver
func (r *Recovery) Bind() error {
	r.log("Binding USB device %s", r.device)
	if err := r.write("bind"); err != nil {
		return err
	}
	r.log("USB device bound, waiting %s for enumeration", r.settle)
	r.sleep(r.settle)
	return nil
}

// Recover performs unbind followed by bind
func (r *Recovery) Recover() error {
	r.log("Starting USB recovery")

	if err := r.Unbind(); err != nil {
		return errors.Wrap(err, "USB recovery failed during unbind")
	}
	if err := r.Bind(); err != nil {
		return errors.Wrap(err, "USB recovery failed during bind")
	}

	r.log("USB recovery complete")
	return nil
}

func (r *Recovery) write(op string) error {
	path := filepath.Join(r.sysfs, op)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	if _, err := f.WriteString(r.device); err != nil {
		return errors.Wrapf(err, "failed to write to %s", op)
	}
	return nil
}

func (r *Recovery) log(format string, args ...interface{}) {
	r.logger("[USB] "+format, args...)
}
