package modem_test

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
	"cellular-service/internal/modem"
)

func cmeError(cmd string, code int) error {
	return &at.CommandError{Command: cmd, Result: "+CME ERROR: " + strconv.Itoa(code), Code: code}
}

type fakeSwitch struct {
	on, off int
	err     error
}

func (s *fakeSwitch) On() error { s.on++; return s.err }
func (s *fakeSwitch) Off() error { s.off++; return s.err }

func TestSimState(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		err      error
		expected cellular.SimState
		kind     cellular.Kind
	}{
		{"Ready", []string{"+CPIN: READY"}, nil, cellular.SimReady, cellular.KindUnknown},
		{"PIN", []string{"+CPIN: SIM PIN"}, nil, cellular.SimPinNeeded, cellular.KindUnknown},
		{"PUK", []string{"+CPIN: SIM PUK"}, nil, cellular.SimPukNeeded, cellular.KindUnknown},
		{"PH-SIM", []string{"+CPIN: PH-SIM PIN"}, nil, cellular.SimUnknown, cellular.KindUnknown},
		{"Not inserted", nil, cmeError("AT+CPIN?", modem.CMESimNotInserted), cellular.SimUnknown, cellular.KindBadResponse},
		{"Garbage", []string{"hello"}, nil, cellular.SimUnknown, cellular.KindBadResponse},
		{"Timeout", nil, errors.Wrap(at.ErrTimeout, "AT+CPIN?"), cellular.SimUnknown, cellular.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			cmd := NewMockCommander(ctrl)
			cmd.EXPECT().Command(gomock.Any(), "AT+CPIN?").Return(tt.lines, tt.err)

			state, err := modem.NewSim(cmd).State()
			assert.Equal(t, tt.expected, state)
			assert.Equal(t, tt.kind, cellular.KindOf(err))
		})
	}
}

func TestSimSetPin(t *testing.T) {
	t.Run("PIN", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().CommandSecret(gomock.Any(), `AT+CPIN="1234"`, `AT+CPIN="****"`).Return(nil, nil)

		require.NoError(t, modem.NewSim(cmd).SetPin("1234"))
	})

	t.Run("PUK", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().CommandSecret(gomock.Any(), `AT+CPIN="12345678","1234"`, `AT+CPIN="****","****"`).Return(nil, nil)

		require.NoError(t, modem.NewSim(cmd).SetPin("12345678,1234"))
	})

	t.Run("Wrong PIN is an auth error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().CommandSecret(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, cmeError(`AT+CPIN="****"`, modem.CMEIncorrectPassword))

		err := modem.NewSim(cmd).SetPin("0000")
		assert.Equal(t, cellular.KindAuth, cellular.KindOf(err))
		assert.NotContains(t, err.Error(), "0000")
	})
}

func TestPower(t *testing.T) {
	t.Run("No switch", func(t *testing.T) {
		p := modem.NewPower(NewMockCommander(gomock.NewController(t)), nil, "", nil)
		assert.True(t, cellular.IsUnsupported(p.On()))
		assert.True(t, cellular.IsUnsupported(p.Off()))
	})

	t.Run("Switch", func(t *testing.T) {
		sw := &fakeSwitch{}
		p := modem.NewPower(NewMockCommander(gomock.NewController(t)), sw, "", nil)
		require.NoError(t, p.On())
		require.NoError(t, p.Off())
		assert.Equal(t, 1, sw.on)
		assert.Equal(t, 1, sw.off)

		sw.err = errors.New("line busy")
		assert.Equal(t, cellular.KindTransport, cellular.KindOf(p.On()))
	})

	t.Run("AT mode", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		gomock.InOrder(
			cmd.EXPECT().Command(gomock.Any(), "AT").Return(nil, nil),
			cmd.EXPECT().Command(gomock.Any(), "ATE0").Return(nil, nil),
			cmd.EXPECT().Command(gomock.Any(), "AT+CMEE=1").Return(nil, nil),
		)
		require.NoError(t, modem.NewPower(cmd, nil, "", nil).SetATMode())
	})

	t.Run("AT mode timeout", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().Command(gomock.Any(), "AT").Return(nil, errors.Wrap(at.ErrTimeout, "AT"))

		err := modem.NewPower(cmd, nil, "", nil).SetATMode()
		assert.Equal(t, cellular.KindTimeout, cellular.KindOf(err))
	})

	t.Run("Ready URC", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)

		var handler func(string)
		cmd.EXPECT().AddURCHandler("+PBREADY", gomock.Any()).Do(func(_ string, fn func(string)) {
			handler = fn
		})
		cmd.EXPECT().RemoveURCHandler("+PBREADY")

		p := modem.NewPower(cmd, nil, "+PBREADY", nil)
		fired := 0
		require.NoError(t, p.SetDeviceReadyURC(func() { fired++ }))
		require.NotNil(t, handler)
		handler("+PBREADY")
		assert.Equal(t, 1, fired)
		require.NoError(t, p.RemoveDeviceReadyURC())
	})
}

func TestRegistrationStatus(t *testing.T) {
	tests := []struct {
		typ      cellular.RegistrationType
		cmd      string
		line     string
		expected cellular.RegistrationStatus
	}{
		{cellular.EREG, "AT+CEREG?", `+CEREG: 2,5,"1A2B","01A2B3C4",7`, cellular.RegisteredRoaming},
		{cellular.GREG, "AT+CGREG?", "+CGREG: 0,1", cellular.RegisteredHome},
		{cellular.REG, "AT+CREG?", "+CREG: 2,2", cellular.Searching},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			cmd := NewMockCommander(ctrl)
			cmd.EXPECT().Command(gomock.Any(), tt.cmd).Return([]string{tt.line}, nil)

			status, err := modem.NewNetwork(cmd, nil).RegistrationStatus(tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, status)
		})
	}
}

func TestRegistrationURCCommands(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)
	cmd.EXPECT().Command(gomock.Any(), "AT+CEREG=2").Return(nil, nil)
	cmd.EXPECT().Command(gomock.Any(), "AT+CREG=0").Return(nil, cmeError("AT+CREG=0", modem.CMEOperationNotSupported))

	nw := modem.NewNetwork(cmd, nil)
	require.NoError(t, nw.SetRegistrationURC(cellular.EREG, true))
	assert.True(t, cellular.IsUnsupported(nw.SetRegistrationURC(cellular.REG, false)))
}

func TestOperator(t *testing.T) {
	t.Run("Numeric", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().Command(gomock.Any(), "AT+COPS?").Return([]string{`+COPS: 1,2,"24412",7`}, nil).Times(2)

		nw := modem.NewNetwork(cmd, nil)
		format, op, err := nw.OperatorParams()
		require.NoError(t, err)
		assert.Equal(t, cellular.OperatorNumeric, format)
		assert.Equal(t, cellular.Operator{Numeric: "24412"}, op)

		mode, err := nw.RegisteringMode()
		require.NoError(t, err)
		assert.Equal(t, cellular.ModeManual, mode)
	})

	t.Run("Long name", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().Command(gomock.Any(), "AT+COPS?").Return([]string{`+COPS: 0,0,"Telia FI",7`}, nil)

		format, op, err := modem.NewNetwork(cmd, nil).OperatorParams()
		require.NoError(t, err)
		assert.Equal(t, cellular.OperatorAlphaLong, format)
		assert.Equal(t, "Telia FI", op.Long)
	})

	t.Run("Not selected", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().Command(gomock.Any(), "AT+COPS?").Return([]string{"+COPS: 0"}, nil)

		_, _, err := modem.NewNetwork(cmd, nil).OperatorParams()
		assert.Equal(t, cellular.KindBadResponse, cellular.KindOf(err))
	})

	t.Run("Names", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().Command(gomock.Any(), "AT+COPN").Return([]string{
			`+COPN: "24405","Elisa"`,
			`+COPN: "24412","Telia FI"`,
			`+COPN: "bogus"`,
		}, nil)

		names, err := modem.NewNetwork(cmd, nil).OperatorNames()
		require.NoError(t, err)
		assert.Equal(t, []cellular.OperatorName{
			{Numeric: "24405", Alpha: "Elisa"},
			{Numeric: "24412", Alpha: "Telia FI"},
		}, names)
	})
}

func TestSetRegistration(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)
	gomock.InOrder(
		cmd.EXPECT().Command(gomock.Any(), "AT+COPS=0").Return(nil, nil),
		cmd.EXPECT().Command(gomock.Any(), `AT+COPS=1,2,"24412"`).Return(nil, nil),
	)

	nw := modem.NewNetwork(cmd, nil)
	require.NoError(t, nw.SetRegistration(""))
	require.NoError(t, nw.SetRegistration("24412"))
}

func TestAttach(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)
	gomock.InOrder(
		cmd.EXPECT().Command(gomock.Any(), "AT+CGATT?").Return([]string{"+CGATT: 0"}, nil),
		cmd.EXPECT().Command(gomock.Any(), "AT+CGATT=1").Return(nil, nil),
		cmd.EXPECT().Command(gomock.Any(), "AT+CGATT?").Return([]string{"+CGATT: 1"}, nil),
	)

	nw := modem.NewNetwork(cmd, nil)
	status, err := nw.AttachStatus()
	require.NoError(t, err)
	assert.Equal(t, cellular.Detached, status)
	require.NoError(t, nw.SetAttach())
	status, err = nw.AttachStatus()
	require.NoError(t, err)
	assert.Equal(t, cellular.Attached, status)
}

func TestPacketData(t *testing.T) {
	t.Run("With authentication", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		gomock.InOrder(
			cmd.EXPECT().Command(gomock.Any(), `AT+CGDCONT=1,"IP","internet.example"`).Return(nil, nil),
			cmd.EXPECT().CommandSecret(gomock.Any(), `AT+CGAUTH=1,1,"user","secret"`, `AT+CGAUTH=1,1,"user","****"`).Return(nil, nil),
			cmd.EXPECT().Command(gomock.Any(), "AT+CGACT=1,1").Return(nil, nil),
			cmd.EXPECT().Command(gomock.Any(), "AT+CGPADDR=1").Return([]string{`+CGPADDR: 1,"10.64.1.2"`}, nil),
			cmd.EXPECT().Command(gomock.Any(), "AT+CGACT=0,1").Return(nil, nil),
		)

		nw := modem.NewNetwork(cmd, nil)
		require.NoError(t, nw.SetCredentials("internet.example", "user", "secret"))
		require.NoError(t, nw.ActivateContext())
		require.NoError(t, nw.Connect())
		require.NoError(t, nw.Disconnect())
	})

	t.Run("Authentication unsupported", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		gomock.InOrder(
			cmd.EXPECT().Command(gomock.Any(), `AT+CGDCONT=1,"IP","apn"`).Return(nil, nil),
			cmd.EXPECT().CommandSecret(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(nil, cmeError("AT+CGAUTH", modem.CMEOperationNotSupported)),
			cmd.EXPECT().Command(gomock.Any(), "AT+CGACT=1,1").Return(nil, nil),
		)

		nw := modem.NewNetwork(cmd, nil)
		require.NoError(t, nw.SetCredentials("apn", "user", "secret"))
		require.NoError(t, nw.ActivateContext())
	})

	t.Run("No address", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cmd := NewMockCommander(ctrl)
		cmd.EXPECT().Command(gomock.Any(), "AT+CGPADDR=1").Return([]string{`+CGPADDR: 1,"0.0.0.0"`}, nil)

		err := modem.NewNetwork(cmd, nil).Connect()
		assert.Equal(t, cellular.KindNoConnection, cellular.KindOf(err))
	})
}

func TestRegistrationURCs(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)

	handlers := make(map[string]func(string))
	cmd.EXPECT().AddURCHandler(gomock.Any(), gomock.Any()).Do(func(prefix string, fn func(string)) {
		handlers[prefix] = fn
	}).Times(3)

	nw := modem.NewNetwork(cmd, nil)
	require.NoError(t, nw.Init())
	require.Len(t, handlers, 3)

	type event struct {
		ev    cellular.Event
		value int
	}
	var got []event
	nw.Attach(func(ev cellular.Event, value int) {
		got = append(got, event{ev, value})
	})

	handlers["+CEREG:"](`+CEREG: 1,"1A2B","01A2B3C4",7`)
	assert.Equal(t, []event{
		{cellular.EventRegistrationStatusChanged, int(cellular.RegisteredHome)},
		{cellular.EventCellIDChanged, 0x01A2B3C4},
		{cellular.EventRadioAccessTechnologyChanged, 7},
	}, got)

	got = nil
	handlers["+CEREG:"](`+CEREG: 1,"1A2B","01A2B3C4",7`)
	assert.Equal(t, []event{
		{cellular.EventRegistrationStatusChanged, int(cellular.RegisteredHome)},
	}, got)

	got = nil
	handlers["+CGREG:"]("+CGREG: 5")
	assert.Equal(t, []event{
		{cellular.EventRegistrationStatusChanged, int(cellular.RegisteredRoaming)},
		{cellular.EventRegistrationTypeChanged, int(cellular.GREG)},
	}, got)

	got = nil
	nw.Attach(nil)
	handlers["+CREG:"]("+CREG: 0")
	assert.Empty(t, got)
}

func TestInfo(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)
	cmd.EXPECT().Command(gomock.Any(), "AT+CGMI").Return([]string{"Quectel"}, nil)
	cmd.EXPECT().Command(gomock.Any(), "AT+CGSN").Return([]string{`+CGSN: "867962040000000"`}, nil)
	cmd.EXPECT().Command(gomock.Any(), "AT+CGMM").Return(nil, nil)

	info := modem.NewInfo(cmd)
	v, err := info.Manufacturer()
	require.NoError(t, err)
	assert.Equal(t, "Quectel", v)

	v, err = info.SerialNumber()
	require.NoError(t, err)
	assert.Equal(t, "867962040000000", v)

	_, err = info.Model()
	assert.Equal(t, cellular.KindBadResponse, cellular.KindOf(err))
}

func TestSimIdentity(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)
	cmd.EXPECT().Command(gomock.Any(), "AT+ICCID").Return([]string{"+ICCID: 89882280666027595366"}, nil)
	cmd.EXPECT().Command(gomock.Any(), "AT+CIMI").Return([]string{"244121234567890"}, nil)

	info := modem.NewInfo(cmd)
	v, err := info.ICCID()
	require.NoError(t, err)
	assert.Equal(t, "89882280666027595366", v)

	v, err = info.IMSI()
	require.NoError(t, err)
	assert.Equal(t, "244121234567890", v)
}

func TestSignalQuality(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		want    int
		wantErr bool
	}{
		{name: "strong", lines: []string{"+CSQ: 31,99"}, want: 100},
		{name: "medium", lines: []string{"+CSQ: 15,0"}, want: 48},
		{name: "unknown", lines: []string{"+CSQ: 99,99"}, want: 0},
		{name: "out of range", lines: []string{"+CSQ: 40,99"}, wantErr: true},
		{name: "missing", lines: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			cmd := NewMockCommander(ctrl)
			cmd.EXPECT().Command(gomock.Any(), "AT+CSQ").Return(tt.lines, nil)

			got, err := modem.NewInfo(cmd).SignalQuality()
			if tt.wantErr {
				assert.Equal(t, cellular.KindBadResponse, cellular.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
