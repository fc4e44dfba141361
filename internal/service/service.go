package service

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
	"cellular-service/internal/config"
	"cellular-service/internal/eventqueue"
	"cellular-service/internal/gpio"
	"cellular-service/internal/health"
	"cellular-service/internal/modem"
	redisClient "cellular-service/internal/redis"
	"cellular-service/internal/usb"
)

// Exit codes of the CLI
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitNoConnect = 2
	ExitTransport = 3
)

// publishTimeout bounds one Redis round trip made from a callback
const publishTimeout = 2 * time.Second

// publisher is the part of the Redis client the service uses
type publisher interface {
	Ping(ctx context.Context) error
	PublishModemState(ctx context.Context, field, value string) error
	PublishModemFields(ctx context.Context, fields map[string]string) error
	PublishInternetState(ctx context.Context, field, value string) error
	Close() error
}

var _ publisher = (*redisClient.Client)(nil)

// stateFields is what connection-state carries for each state
var stateFields = map[cellular.State]string{
	cellular.StateInit:                     "init",
	cellular.StatePowerOn:                  "power-on",
	cellular.StateDeviceReady:              "device-ready",
	cellular.StateMux:                      "mux",
	cellular.StateSimPin:                   "sim-pin",
	cellular.StateRegisteringNetwork:       "registering",
	cellular.StateManualRegisteringNetwork: "manual-registering",
	cellular.StateAttachingNetwork:         "attaching",
	cellular.StateActivatingPdpContext:     "activating-pdp-context",
	cellular.StateConnectingNetwork:        "connecting",
	cellular.StateConnected:                "connected",
}

type Service struct {
	Config *config.Config
	Logger *log.Logger
	Health *health.Health
	Redis  publisher
	Switch *gpio.Switch
	USB    *usb.Recovery

	version      string
	dialer       at.Dialer
	restartDelay time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

func New(cfg *config.Config, logger *log.Logger, version string) (*Service, error) {
	s := &Service{
		Config:  cfg,
		Logger:  logger,
		Health:  health.New(),
		version: version,
		dialer: at.SerialDialer{
			Port: cfg.SerialPort,
			Mode: serial.Mode{BaudRate: cfg.BaudRate},
		},
		restartDelay: health.RecoveryWaitTime,
		sleep:        sleepCtx,
	}

	if cfg.RedisURL != "" {
		client, err := redisClient.New(cfg.RedisURL, logger.Printf)
		if err != nil {
			return nil, errors.Wrapf(config.ErrInvalid, "failed to create Redis client: %v", err)
		}
		s.Redis = client
	}
	if cfg.GPIOChip != "" {
		s.Switch = gpio.NewSwitch(cfg.GPIOChip, cfg.GPIOLine, gpio.Timing{}, logger.Printf)
	}
	if cfg.USBDevice != "" {
		s.USB = usb.NewRecovery(cfg.USBDevice, logger.Printf)
	}

	s.Logger.Printf("cellular-service %s", version)
	return s, nil
}

// Run connects and keeps the connection until ctx is done. Failed
// attempts escalate through the recovery ladder.
func (s *Service) Run(ctx context.Context) error {
	if s.Redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		if err := s.Redis.Ping(pingCtx); err != nil {
			s.Logger.Printf("Redis not reachable, state will not be published until it is: %v", err)
		}
		cancel()
		defer s.Redis.Close()
	}

	if s.Switch != nil {
		if err := s.Switch.Init(); err != nil {
			return cellular.NewError(cellular.KindTransport, err)
		}
		defer s.Switch.Close()
	}

	s.Logger.Printf("Starting cellular service on %s (mux %t)", s.Config.SerialPort, s.Config.Mux)
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		kind := cellular.KindOf(err)
		if kind.Fatal() {
			s.Logger.Printf("Giving up: %v", err)
			s.publishModem("connection-state", "failed")
			return err
		}

		s.Health.StartRecovery()
		step := s.Health.Strategy()
		s.Logger.Printf("Connection failed (%v), recovery %d/%d: %s",
			err, s.Health.RecoveryAttempts, health.MaxRecoveryAttempts, step)

		if step == health.StepGiveUp {
			s.Health.MarkRecoveryFailed()
			s.publishModem("connection-state", "failed")
			if kind == cellular.KindTransport {
				return err
			}
			return cellular.NewError(cellular.KindNoConnection, errors.Wrap(err, "recovery attempts exhausted"))
		}

		if err := s.recover(ctx, step); err != nil {
			s.Logger.Printf("Recovery step %s failed: %v", step, err)
			s.Health.MarkRecoveryFailed()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// recover performs step. A missing power switch or USB path falls back to
// a plain restart.
func (s *Service) recover(ctx context.Context, step health.Step) error {
	switch step {
	case health.StepPowerCycle:
		if s.Switch != nil {
			return s.Switch.Cycle()
		}
		s.Logger.Printf("No power switch configured, restarting instead")
	case health.StepUSBRebind:
		if s.USB != nil {
			return s.USB.Recover()
		}
		s.Logger.Printf("No USB device configured, restarting instead")
	}
	return s.sleep(ctx, s.restartDelay)
}

// runSession performs one connection attempt from dialing the port
// upwards and holds the connection while it lasts
func (s *Service) runSession(ctx context.Context) error {
	sess, err := s.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	connectCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.Config.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, s.Config.ConnectTimeout)
	}
	err = sess.system.Connect(connectCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	s.Health.MarkNormal()
	s.publishConnected(ctx, sess)

	if s.Config.ExitOnConnect {
		s.Logger.Printf("Connected, exiting")
		return nil
	}

	select {
	case <-ctx.Done():
		s.Logger.Printf("Shutting down")
		if err := sess.system.Disconnect(); err != nil {
			s.Logger.Printf("Disconnect failed: %v", err)
		}
		return nil
	case err := <-sess.failed:
		s.publishInternet("disconnected")
		return cellular.NewError(cellular.KindTransport, errors.Wrap(err, "AT channel lost"))
	}
}

func (s *Service) publishConnected(ctx context.Context, sess *session) {
	fields := map[string]string{}
	if ip, err := sess.system.IPAddress(); err == nil {
		s.Logger.Printf("Connected, address %s", ip)
		fields["ip-address"] = ip
	} else {
		s.Logger.Printf("Connected, address unknown: %v", err)
	}

	infoCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	info, err := sess.system.Info(infoCtx)
	cancel()
	if err != nil {
		s.Logger.Printf("Failed to read modem information: %v", err)
	}
	for field, v := range map[string]string{
		"manufacturer": info.Manufacturer,
		"model":        info.Model,
		"revision":     info.Revision,
		"imei":         info.IMEI,
	} {
		if v != "" {
			fields[field] = v
		}
	}
	if v, err := sess.info.ICCID(); err == nil {
		fields["iccid"] = v
	}
	if v, err := sess.info.IMSI(); err == nil {
		fields["imsi"] = v
	}
	if q, err := sess.info.SignalQuality(); err == nil {
		fields["signal-quality"] = strconv.Itoa(q)
	}

	if s.Redis == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.Redis.PublishModemFields(pubCtx, fields); err != nil {
		s.Logger.Printf("Failed to publish modem information: %v", err)
	}
}

func (s *Service) onTransition(from, to cellular.State, err error) bool {
	if err != nil {
		s.Logger.Printf("Connection failed in %s: %v", from, err)
		return true
	}
	if from != to {
		s.Logger.Printf("State %s -> %s", from, to)
	}
	if field, ok := stateFields[to]; ok {
		s.publishModem("connection-state", field)
	}
	return true
}

func (s *Service) onEvent(ev cellular.Event, value int) {
	switch ev {
	case cellular.EventSimStatusChanged:
		s.publishModem("sim-state", cellular.SimState(value).String())
	case cellular.EventRegistrationStatusChanged:
		s.publishModem("registration", registrationField(cellular.RegistrationStatus(value)))
	case cellular.EventConnectionStatusChanged:
		s.publishInternet(cellular.ConnectionStatus(value).String())
	case cellular.EventCellIDChanged:
		if s.Config.Debug {
			s.Logger.Printf("Cell ID %X", value)
		}
	}
}

func registrationField(status cellular.RegistrationStatus) string {
	switch {
	case status.IsRoaming():
		return "roaming"
	case status.IsRegistered():
		return "home"
	case status == cellular.Searching:
		return "searching"
	case status == cellular.RegistrationDenied:
		return "denied"
	default:
		return "not-registered"
	}
}

func (s *Service) publishModem(field, value string) {
	if s.Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.Redis.PublishModemState(ctx, field, value); err != nil {
		s.Logger.Printf("Failed to publish %s: %v", field, err)
	}
}

func (s *Service) publishInternet(status string) {
	if s.Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.Redis.PublishInternetState(ctx, "status", status); err != nil {
		s.Logger.Printf("Failed to publish internet status: %v", err)
	}
}

// session is everything built on top of one open serial port
type session struct {
	transport at.Transport
	channels  []*at.Channel
	binder    *muxBinder
	queue     *eventqueue.Queue
	system    *cellular.System
	info      *modem.Info

	cancel context.CancelFunc
	wg     sync.WaitGroup
	failed chan error
	once   sync.Once
}

func (s *Service) openSession(ctx context.Context) (*session, error) {
	transport, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, cellular.NewError(cellular.KindTransport, err)
	}

	cfg := s.Config
	logf := s.Logger.Printf
	newChannel := func(name string, t at.Transport) *at.Channel {
		opts := []at.Option{
			at.WithName(name),
			at.WithLogger(logf),
			at.WithDebug(cfg.Debug),
			at.WithTimeout(cfg.ATTimeout()),
		}
		if t != nil {
			opts = append(opts, at.WithTransport(t))
		}
		return at.NewChannel(opts...)
	}

	powerCh := newChannel("power", transport)
	simCh, netCh := powerCh, powerCh
	channels := []*at.Channel{powerCh}
	if cfg.Mux {
		simCh = newChannel("sim", nil)
		netCh = newChannel("network", nil)
		channels = append(channels, simCh, netCh)
	}

	// a nil *gpio.Switch must not reach the interface
	var sw modem.Switch
	if s.Switch != nil {
		sw = s.Switch
	}

	opts := []cellular.Option{
		cellular.WithPolicy(cfg.Policy()),
		cellular.WithStartDelayMax(cfg.StartDelayMax()),
		cellular.WithTimeoutSetter(timeouts(channels)),
		cellular.WithIdleTimeout(cfg.ATTimeout()),
		cellular.WithLogger(logf),
	}

	sess := &session{
		transport: transport,
		channels:  channels,
		queue:     eventqueue.New(),
		info:      modem.NewInfo(netCh),
		failed:    make(chan error, 1),
	}
	if cfg.Mux {
		sess.binder = newMuxBinder(transport, channels, logf, cfg.Debug)
		opts = append(opts, cellular.WithMultiplexer(sess.binder))
	}

	sess.system = cellular.NewSystem(sess.queue,
		modem.NewPower(powerCh, sw, cfg.DeviceReadyURC, logf),
		modem.NewSim(simCh),
		modem.NewNetwork(netCh, logf),
		sess.info,
		opts...,
	)
	sess.system.SetSimPin(cfg.SimPin)
	sess.system.SetSimPuk(cfg.SimPuk)
	sess.system.SetPLMN(cfg.PLMN)
	if err := sess.system.SetCredentials(cfg.APN, cfg.Username, cfg.Password); err != nil {
		transport.Close()
		return nil, err
	}
	sess.system.SetStatusCallback(s.onTransition)
	sess.system.Attach(s.onEvent)

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	for _, ch := range channels {
		ch := ch
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			if err := ch.Loop(loopCtx); err != nil && loopCtx.Err() == nil {
				sess.fail(err)
			}
		}()
	}
	return sess, nil
}

func (sess *session) fail(err error) {
	sess.once.Do(func() {
		sess.failed <- err
	})
}

// close stops the state machine and releases the port. The PDP context is
// left as it is.
func (sess *session) close() {
	sess.system.StateMachine().Stop()
	if sess.binder != nil {
		sess.binder.Close()
	}
	sess.cancel()
	sess.wg.Wait()
	sess.queue.Close()
	sess.transport.Close()
}

// timeouts applies the stage deadline to every channel
type timeouts []*at.Channel

func (t timeouts) SetTimeout(d time.Duration) {
	for _, ch := range t {
		ch.SetTimeout(d)
	}
}

// ExitCode maps the result of Run to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, config.ErrInvalid) {
		return ExitConfig
	}
	if cellular.KindOf(err) == cellular.KindTransport {
		return ExitTransport
	}
	// NoConnection, Timeout, Auth and anything untagged
	return ExitNoConnect
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
