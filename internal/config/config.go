package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"cellular-service/internal/retry"
)

// ErrInvalid tags every configuration problem
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	SimPin   string `yaml:"sim_pin"`
	SimPuk   string `yaml:"sim_puk"`
	APN      string `yaml:"apn"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	PLMN     string `yaml:"plmn"`

	StartDelayMaxMs     int   `yaml:"start_delay_max_ms"`
	RetryBackoffSeconds []int `yaml:"retry_backoff_seconds"`
	ATResponseTimeoutMs int   `yaml:"at_response_timeout_ms"`

	SerialPort     string `yaml:"serial_port"`
	BaudRate       int    `yaml:"baud_rate"`
	Mux            bool   `yaml:"mux"`
	DeviceReadyURC string `yaml:"device_ready_urc"`

	GPIOChip  string `yaml:"gpio_chip"`
	GPIOLine  int    `yaml:"gpio_line"`
	USBDevice string `yaml:"usb_device"`
	RedisURL  string `yaml:"redis_url"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ExitOnConnect  bool          `yaml:"exit_on_connect"`
	Debug          bool          `yaml:"debug"`

	ConfigFile string `yaml:"-"`
	Version    bool   `yaml:"-"`

	fs *flag.FlagSet
}

// New registers the flags on a fresh FlagSet. The flag defaults are the
// configuration defaults.
func New() *Config {
	cfg := &Config{
		RetryBackoffSeconds: append([]int(nil), retry.DefaultSeconds...),
		fs:                  flag.NewFlagSet("cellular-service", flag.ContinueOnError),
	}
	fs := cfg.fs

	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.SimPin, "sim-pin", "", "SIM PIN")
	fs.StringVar(&cfg.SimPuk, "sim-puk", "", "SIM PUK, used when the SIM is PUK-locked")
	fs.StringVar(&cfg.APN, "apn", "", "Access point name")
	fs.StringVar(&cfg.Username, "username", "", "PDP context user name")
	fs.StringVar(&cfg.Password, "password", "", "PDP context password")
	fs.StringVar(&cfg.PLMN, "plmn", "", "Register manually on this PLMN (MCC+MNC)")
	fs.IntVar(&cfg.StartDelayMaxMs, "start-delay-max", 0, "Maximum random start delay in milliseconds")
	fs.Var((*intList)(&cfg.RetryBackoffSeconds), "retry-backoff", "Comma separated retry delays in seconds")
	fs.IntVar(&cfg.ATResponseTimeoutMs, "at-timeout", 8000, "Default AT response timeout in milliseconds")
	fs.StringVar(&cfg.SerialPort, "serial-port", "/dev/ttyUSB2", "Modem AT serial port")
	fs.IntVar(&cfg.BaudRate, "baud", 115200, "Serial baud rate")
	fs.BoolVar(&cfg.Mux, "mux", false, "Enable the 3GPP 27.010 multiplexer")
	fs.StringVar(&cfg.DeviceReadyURC, "ready-urc", "RDY", "URC the modem sends once it is ready")
	fs.StringVar(&cfg.GPIOChip, "gpio-chip", "", "GPIO chip of the power key line, empty disables")
	fs.IntVar(&cfg.GPIOLine, "gpio-line", 0, "GPIO line offset of the power key")
	fs.StringVar(&cfg.USBDevice, "usb-device", "", "USB device path for rebind recovery, empty disables")
	fs.StringVar(&cfg.RedisURL, "redis-url", "redis://127.0.0.1:6379", "Redis URL, empty disables publishing")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 30*time.Minute, "Deadline for a connection attempt")
	fs.BoolVar(&cfg.ExitOnConnect, "once", false, "Exit once connected")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&cfg.Version, "version", false, "Print version and exit")

	return cfg
}

// SetOutput redirects usage and parse errors
func (c *Config) SetOutput(w io.Writer) {
	c.fs.SetOutput(w)
}

// Load layers defaults, the YAML file, the environment and finally the
// flags given in args. flag.ErrHelp is returned unchanged.
func (c *Config) Load(args []string) error {
	return c.load(args, os.LookupEnv)
}

func (c *Config) load(args []string, lookup func(string) (string, bool)) error {
	// first pass only finds -config
	if err := c.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errors.Wrap(ErrInvalid, err.Error())
	}
	path := c.ConfigFile
	if path == "" {
		if v, ok := lookup("CONFIG_FILE"); ok {
			path = v
		}
	}

	if path != "" {
		if err := c.loadFile(path); err != nil {
			return err
		}
	}
	if err := c.loadEnv(lookup); err != nil {
		return err
	}

	// explicit flags win, so they are parsed again on top
	if err := c.fs.Parse(args); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	c.ConfigFile = path

	return c.Validate()
}

// Explicit returns the names of the flags given on the command line
func (c *Config) Explicit() []string {
	var names []string
	c.fs.Visit(func(f *flag.Flag) {
		names = append(names, f.Name)
	})
	return names
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(ErrInvalid, "parse %s: %v", path, err)
	}
	return nil
}

func (c *Config) loadEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string) func(string) error {
		return func(v string) error {
			*dst = v
			return nil
		}
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}

	vars := []struct {
		name  string
		apply func(string) error
	}{
		{"SIM_PIN", str(&c.SimPin)},
		{"SIM_PUK", str(&c.SimPuk)},
		{"APN", str(&c.APN)},
		{"APN_USERNAME", str(&c.Username)},
		{"APN_PASSWORD", str(&c.Password)},
		{"PLMN", str(&c.PLMN)},
		{"START_DELAY_MAX_MS", num(&c.StartDelayMaxMs)},
		{"RETRY_BACKOFF_SECONDS", (*intList)(&c.RetryBackoffSeconds).Set},
		{"AT_RESPONSE_TIMEOUT_MS", num(&c.ATResponseTimeoutMs)},
		{"SERIAL_PORT", str(&c.SerialPort)},
		{"BAUD_RATE", num(&c.BaudRate)},
		{"MUX_ENABLED", boolean(&c.Mux)},
		{"DEVICE_READY_URC", str(&c.DeviceReadyURC)},
		{"USB_DEVICE", str(&c.USBDevice)},
		{"REDIS_URL", str(&c.RedisURL)},
		{"DEBUG", boolean(&c.Debug)},
	}
	for _, v := range vars {
		val, ok := lookup(v.name)
		if !ok {
			continue
		}
		if err := v.apply(val); err != nil {
			return errors.Wrapf(ErrInvalid, "%s=%q: %v", v.name, val, err)
		}
	}
	return nil
}

// Validate checks ranges and formats
func (c *Config) Validate() error {
	if _, err := retry.New(c.RetryBackoffSeconds); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if c.BaudRate <= 0 {
		return errors.Wrapf(ErrInvalid, "baud rate must be positive, got %d", c.BaudRate)
	}
	if c.StartDelayMaxMs < 0 {
		return errors.Wrapf(ErrInvalid, "start delay must not be negative, got %d", c.StartDelayMaxMs)
	}
	if c.ATResponseTimeoutMs < 0 {
		return errors.Wrapf(ErrInvalid, "AT timeout must not be negative, got %d", c.ATResponseTimeoutMs)
	}
	if c.ConnectTimeout < 0 {
		return errors.Wrapf(ErrInvalid, "connect timeout must not be negative, got %s", c.ConnectTimeout)
	}
	if c.PLMN != "" && !isPLMN(c.PLMN) {
		return errors.Wrapf(ErrInvalid, "PLMN must be 5 or 6 digits, got %q", c.PLMN)
	}
	if c.SerialPort == "" {
		return errors.Wrap(ErrInvalid, "serial port is empty")
	}
	if c.GPIOChip != "" && c.GPIOLine < 0 {
		return errors.Wrapf(ErrInvalid, "GPIO line must not be negative, got %d", c.GPIOLine)
	}
	return nil
}

// Policy returns the validated retry policy
func (c *Config) Policy() retry.Policy {
	p, err := retry.New(c.RetryBackoffSeconds)
	if err != nil {
		return retry.Default()
	}
	return p
}

// ATTimeout is the default AT response deadline
func (c *Config) ATTimeout() time.Duration {
	return time.Duration(c.ATResponseTimeoutMs) * time.Millisecond
}

// StartDelayMax is the ceiling of the random start delay
func (c *Config) StartDelayMax() time.Duration {
	return time.Duration(c.StartDelayMaxMs) * time.Millisecond
}

func isPLMN(s string) bool {
	if len(s) < 5 || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// intList is a comma separated list of integers
type intList []int

func (l *intList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(*l))
	for i, n := range *l {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return errors.Errorf("bad number %q", part)
		}
		out = append(out, n)
	}
	*l = out
	return nil
}
