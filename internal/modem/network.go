package modem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
)

const contextID = 1

var registrationPrefixes = map[cellular.RegistrationType]string{
	cellular.EREG: "+CEREG:",
	cellular.GREG: "+CGREG:",
	cellular.REG:  "+CREG:",
}

type cellInfo struct {
	status cellular.RegistrationStatus
	cellID int64
	act    int
}

// Network implements cellular.Network with 27.007 registration, attach and
// PDP context commands
type Network struct {
	cmd    Commander
	logger func(string, ...interface{})

	mu       sync.Mutex
	cb       func(cellular.Event, int)
	apn      string
	username string
	password string
	last     map[cellular.RegistrationType]cellInfo
	lastType cellular.RegistrationType
	hasType  bool
}

// NewNetwork creates the network adapter
func NewNetwork(cmd Commander, logger func(string, ...interface{})) *Network {
	if logger == nil {
		logger = nopLogger
	}
	return &Network{
		cmd:    cmd,
		logger: logger,
		last:   make(map[cellular.RegistrationType]cellInfo),
	}
}

// Init installs the registration URC handlers. It does no I/O.
func (n *Network) Init() error {
	for _, t := range cellular.RegistrationTypes {
		t := t
		n.cmd.AddURCHandler(registrationPrefixes[t], func(line string) {
			n.handleRegistration(t, line)
		})
	}
	return nil
}

// Attach sets the event callback; nil detaches
func (n *Network) Attach(cb func(ev cellular.Event, value int)) {
	n.mu.Lock()
	n.cb = cb
	n.mu.Unlock()
}

func (n *Network) emit(ev cellular.Event, value int) {
	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()
	if cb != nil {
		cb(ev, value)
	}
}

// handleRegistration parses +CxREG: <stat>[,<lac>,<ci>[,<AcT>]]
func (n *Network) handleRegistration(t cellular.RegistrationType, line string) {
	v, _ := at.Value([]string{line}, registrationPrefixes[t])
	fields := at.ParseFields(v)
	if len(fields) == 0 {
		return
	}
	stat, err := strconv.Atoi(fields[0])
	if err != nil {
		n.log("Ignoring malformed %s", line)
		return
	}

	info := cellInfo{status: cellular.RegistrationStatus(stat), cellID: -1, act: -1}
	if len(fields) >= 3 && fields[2] != "" {
		if ci, err := strconv.ParseInt(fields[2], 16, 64); err == nil {
			info.cellID = ci
		}
	}
	if len(fields) >= 4 {
		if act, err := strconv.Atoi(fields[3]); err == nil {
			info.act = act
		}
	}

	n.mu.Lock()
	prev, seen := n.last[t]
	n.last[t] = info
	typeChanged := false
	if info.status.IsRegistered() && (!n.hasType || n.lastType != t) {
		typeChanged = n.hasType
		n.lastType = t
		n.hasType = true
	}
	n.mu.Unlock()

	n.emit(cellular.EventRegistrationStatusChanged, int(info.status))
	if typeChanged {
		n.emit(cellular.EventRegistrationTypeChanged, int(t))
	}
	if info.cellID >= 0 && (!seen || prev.cellID != info.cellID) {
		n.emit(cellular.EventCellIDChanged, int(info.cellID))
	}
	if info.act >= 0 && (!seen || prev.act != info.act) {
		n.emit(cellular.EventRadioAccessTechnologyChanged, info.act)
	}
}

// SetRegistrationURC enables +CxREG URCs with location information
func (n *Network) SetRegistrationURC(t cellular.RegistrationType, on bool) error {
	mode := 0
	if on {
		mode = 2
	}
	_, err := n.cmd.Command(context.Background(), fmt.Sprintf("AT+%s=%d", t, mode))
	return tag(err, false)
}

// SetRegistration selects automatic registration for an empty plmn and
// manual registration on plmn otherwise
func (n *Network) SetRegistration(plmn string) error {
	cmd := "AT+COPS=0"
	if plmn != "" {
		cmd = fmt.Sprintf(`AT+COPS=1,2,"%s"`, plmn)
	}
	_, err := n.cmd.Command(context.Background(), cmd)
	return tag(err, false)
}

// RegistrationStatus queries the <stat> of one registration domain
func (n *Network) RegistrationStatus(t cellular.RegistrationType) (cellular.RegistrationStatus, error) {
	cmd := fmt.Sprintf("AT+%s?", t)
	lines, err := n.cmd.Command(context.Background(), cmd)
	if err != nil {
		return cellular.NotRegistered, tag(err, false)
	}

	v, ok := at.Value(lines, registrationPrefixes[t])
	fields := at.ParseFields(v)
	if !ok || len(fields) < 2 {
		return cellular.NotRegistered, badResponse(cmd, lines)
	}
	stat, err := strconv.Atoi(fields[1])
	if err != nil {
		return cellular.NotRegistered, badResponse(cmd, lines)
	}
	return cellular.RegistrationStatus(stat), nil
}

func (n *Network) cops() ([]string, error) {
	const cmd = "AT+COPS?"
	lines, err := n.cmd.Command(context.Background(), cmd)
	if err != nil {
		return nil, tag(err, false)
	}
	v, ok := at.Value(lines, "+COPS:")
	fields := at.ParseFields(v)
	if !ok || len(fields) == 0 {
		return nil, badResponse(cmd, lines)
	}
	return fields, nil
}

// RegisteringMode returns the +COPS <mode>
func (n *Network) RegisteringMode() (cellular.RegisteringMode, error) {
	fields, err := n.cops()
	if err != nil {
		return cellular.ModeAutomatic, err
	}
	mode, err := strconv.Atoi(fields[0])
	if err != nil {
		return cellular.ModeAutomatic, cellular.Errorf(cellular.KindBadResponse, "+COPS mode %q", fields[0])
	}
	return cellular.RegisteringMode(mode), nil
}

// OperatorParams returns the selected operator in the format the modem
// reports it
func (n *Network) OperatorParams() (cellular.OperatorFormat, cellular.Operator, error) {
	var op cellular.Operator

	fields, err := n.cops()
	if err != nil {
		return cellular.OperatorNumeric, op, err
	}
	if len(fields) < 3 {
		return cellular.OperatorNumeric, op, cellular.Errorf(cellular.KindBadResponse, "no operator selected")
	}

	format, err := strconv.Atoi(fields[1])
	if err != nil {
		return cellular.OperatorNumeric, op, cellular.Errorf(cellular.KindBadResponse, "+COPS format %q", fields[1])
	}

	f := cellular.OperatorFormat(format)
	switch f {
	case cellular.OperatorAlphaLong:
		op.Long = fields[2]
	case cellular.OperatorAlphaShort:
		op.Short = fields[2]
	case cellular.OperatorNumeric:
		op.Numeric = fields[2]
	default:
		return f, op, cellular.Errorf(cellular.KindBadResponse, "unknown operator format %d", format)
	}
	return f, op, nil
}

// OperatorNames reads the modem's operator name table
func (n *Network) OperatorNames() ([]cellular.OperatorName, error) {
	lines, err := n.cmd.Command(context.Background(), "AT+COPN")
	if err != nil {
		return nil, tag(err, false)
	}

	var names []cellular.OperatorName
	for _, l := range lines {
		v, ok := at.Value([]string{l}, "+COPN:")
		if !ok {
			continue
		}
		fields := at.ParseFields(v)
		if len(fields) < 2 {
			continue
		}
		names = append(names, cellular.OperatorName{Numeric: fields[0], Alpha: fields[1]})
	}
	return names, nil
}

// AttachStatus returns the PS attach state
func (n *Network) AttachStatus() (cellular.AttachStatus, error) {
	const cmd = "AT+CGATT?"
	lines, err := n.cmd.Command(context.Background(), cmd)
	if err != nil {
		return cellular.Detached, tag(err, false)
	}
	v, ok := at.Value(lines, "+CGATT:")
	if !ok {
		return cellular.Detached, badResponse(cmd, lines)
	}
	if v == "1" {
		return cellular.Attached, nil
	}
	return cellular.Detached, nil
}

// SetAttach requests PS attach
func (n *Network) SetAttach() error {
	_, err := n.cmd.Command(context.Background(), "AT+CGATT=1")
	return tag(err, false)
}

// SetCredentials stores the PDP context parameters for ActivateContext
func (n *Network) SetCredentials(apn, username, password string) error {
	n.mu.Lock()
	n.apn, n.username, n.password = apn, username, password
	n.mu.Unlock()
	return nil
}

// ActivateContext defines and activates the PDP context
func (n *Network) ActivateContext() error {
	ctx := context.Background()

	n.mu.Lock()
	apn, username, password := n.apn, n.username, n.password
	n.mu.Unlock()

	if _, err := n.cmd.Command(ctx, fmt.Sprintf(`AT+CGDCONT=%d,"IP","%s"`, contextID, apn)); err != nil {
		return tag(err, false)
	}

	if username != "" {
		cmd := fmt.Sprintf(`AT+CGAUTH=%d,1,"%s","%s"`, contextID, username, password)
		logged := fmt.Sprintf(`AT+CGAUTH=%d,1,"%s","****"`, contextID, username)
		if _, err := n.cmd.CommandSecret(ctx, cmd, logged); err != nil {
			// CHAP or no auth support varies between modules
			if !cellular.IsUnsupported(tag(err, false)) {
				return tag(err, false)
			}
			n.log("PDP authentication not supported, continuing without")
		}
	}

	_, err := n.cmd.Command(ctx, fmt.Sprintf("AT+CGACT=1,%d", contextID))
	return tag(err, false)
}

// Connect succeeds once the activated context has an address
func (n *Network) Connect() error {
	ip, err := n.IPAddress()
	if err != nil {
		return err
	}
	n.log("PDP context %d up, address %s", contextID, ip)
	return nil
}

// Disconnect deactivates the PDP context
func (n *Network) Disconnect() error {
	_, err := n.cmd.Command(context.Background(), fmt.Sprintf("AT+CGACT=0,%d", contextID))
	return tag(err, false)
}

// IPAddress returns the address of the PDP context
func (n *Network) IPAddress() (string, error) {
	cmd := fmt.Sprintf("AT+CGPADDR=%d", contextID)
	lines, err := n.cmd.Command(context.Background(), cmd)
	if err != nil {
		return "", tag(err, false)
	}

	v, ok := at.Value(lines, "+CGPADDR:")
	fields := at.ParseFields(v)
	if !ok || len(fields) < 2 {
		return "", badResponse(cmd, lines)
	}
	if fields[1] == "" || fields[1] == "0.0.0.0" {
		return "", cellular.Errorf(cellular.KindNoConnection, "no address on context %d", contextID)
	}
	return fields[1], nil
}

func (n *Network) log(format string, args ...interface{}) {
	n.logger("[MODEM] "+format, args...)
}
