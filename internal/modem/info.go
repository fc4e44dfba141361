package modem

import (
	"context"
	"strconv"
	"strings"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
)

// Info implements cellular.Information
type Info struct {
	cmd Commander
}

// NewInfo creates the identity adapter
func NewInfo(cmd Commander) *Info {
	return &Info{cmd: cmd}
}

// Manufacturer runs AT+CGMI
func (i *Info) Manufacturer() (string, error) {
	return i.query("AT+CGMI", "+CGMI:")
}

// Model runs AT+CGMM
func (i *Info) Model() (string, error) {
	return i.query("AT+CGMM", "+CGMM:")
}

// Revision runs AT+CGMR
func (i *Info) Revision() (string, error) {
	return i.query("AT+CGMR", "+CGMR:")
}

// SerialNumber runs AT+CGSN, the IMEI on GSM modules
func (i *Info) SerialNumber() (string, error) {
	return i.query("AT+CGSN", "+CGSN:")
}

// ICCID runs AT+ICCID, the SIM card number
func (i *Info) ICCID() (string, error) {
	return i.query("AT+ICCID", "+ICCID:")
}

// IMSI runs AT+CIMI
func (i *Info) IMSI() (string, error) {
	return i.query("AT+CIMI", "+CIMI:")
}

// SignalQuality runs AT+CSQ and scales the RSSI to 0-100. An unknown RSSI
// (99) reads as 0.
func (i *Info) SignalQuality() (int, error) {
	const cmd = "AT+CSQ"
	lines, err := i.cmd.Command(context.Background(), cmd)
	if err != nil {
		return 0, tag(err, false)
	}

	v, ok := at.Value(lines, "+CSQ:")
	fields := at.ParseFields(v)
	if !ok || len(fields) == 0 {
		return 0, badResponse(cmd, lines)
	}
	rssi, err := strconv.Atoi(fields[0])
	if err != nil || rssi < 0 || (rssi > 31 && rssi != 99) {
		return 0, badResponse(cmd, lines)
	}
	if rssi == 99 {
		return 0, nil
	}
	return rssi * 100 / 31, nil
}

// query returns the single-line answer, with the optional echo prefix some
// modules put in front stripped
func (i *Info) query(cmd, prefix string) (string, error) {
	lines, err := i.cmd.Command(context.Background(), cmd)
	if err != nil {
		return "", tag(err, false)
	}
	if len(lines) == 0 {
		return "", badResponse(cmd, lines)
	}

	v := strings.TrimSpace(strings.TrimPrefix(lines[0], prefix))
	v = strings.Trim(v, `"`)
	if v == "" {
		return "", cellular.Errorf(cellular.KindBadResponse, "%s: empty answer", cmd)
	}
	return v, nil
}
