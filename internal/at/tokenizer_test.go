package at_test

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellular-service/internal/at"
)

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Registration query",
			input:    "AT+CEREG?\r\n+CEREG: 2,1,\"1A2B\",\"01A2B3C4\",7\r\nOK\r\n",
			expected: []string{"AT+CEREG?", "+CEREG: 2,1,\"1A2B\",\"01A2B3C4\",7", "OK"},
		},
		{
			name:     "PIN error",
			input:    "+CME ERROR: 16\r\n",
			expected: []string{"+CME ERROR: 16"},
		},
		{
			name:     "Prompt",
			input:    "> ",
			expected: []string{"> "},
		},
		{
			name:     "Empty lines",
			input:    "\r\n\r\nOK\r\n",
			expected: []string{"", "", "OK"},
		},
		{
			name:     "URC between responses",
			input:    "+CGATT: 1\r\n+CREG: 5\r\nOK\r\n",
			expected: []string{"+CGATT: 1", "+CREG: 5", "OK"},
		},
		{
			name:     "Unterminated at EOF",
			input:    "+CPIN: READY",
			expected: []string{"+CPIN: READY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := bufio.NewScanner(strings.NewReader(tt.input))
			scanner.Split(at.Splitter)

			var got []string
			for scanner.Scan() {
				got = append(got, scanner.Text())
			}
			require.NoError(t, scanner.Err())
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClassify(t *testing.T) {
	urcs := []string{"+CEREG:", "+CREG:", "RDY"}

	tests := []struct {
		name     string
		line     string
		awaiting string
		expected at.ResponseType
	}{
		{"OK", "OK", "AT", at.TypeFinal},
		{"ERROR", "ERROR", "AT+COPS=0", at.TypeFinal},
		{"CME error", "+CME ERROR: 10", "AT+CPIN?", at.TypeFinal},
		{"No carrier", "NO CARRIER", "", at.TypeFinal},
		{"Prompt", "> ", "", at.TypePrompt},
		{"Data", "+CPIN: READY", "AT+CPIN?", at.TypeData},
		{"URC while idle", "+CEREG: 1", "", at.TypeURC},
		{"URC during other command", "+CEREG: 5", "AT+CPIN?", at.TypeURC},
		{"Query answer", "+CEREG: 2,1", "AT+CEREG?", at.TypeData},
		{"Set answer lower case", "+CREG: 2,1", "at+creg?", at.TypeData},
		{"Circuit URC during EPS query", "+CREG: 1", "AT+CEREG?", at.TypeURC},
		{"Ready URC", "RDY", "AT", at.TypeURC},
		{"Unregistered prefix", "+QIND: SMS DONE", "", at.TypeData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, at.Classify(tt.line, tt.awaiting, urcs))
		})
	}
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"", nil},
		{"READY", []string{"READY"}},
		{"0,2,\"24412\",7", []string{"0", "2", "24412", "7"}},
		{"1,\"IP\",\"internet, fast\"", []string{"1", "IP", "internet, fast"}},
		{"2,1,,", []string{"2", "1", "", ""}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, at.ParseFields(tt.input), "input %q", tt.input)
	}
}

func TestParseInts(t *testing.T) {
	v, err := at.ParseInts("2, 5")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, v)

	_, err = at.ParseInts("2,\"1A2B\"")
	assert.Error(t, err)
}

func TestValue(t *testing.T) {
	lines := []string{"+CGPADDR: 1,\"10.64.1.2\"", "+CPIN: SIM PIN"}

	v, ok := at.Value(lines, "+CPIN:")
	assert.True(t, ok)
	assert.Equal(t, "SIM PIN", v)

	_, ok = at.Value(lines, "+COPS:")
	assert.False(t, ok)
}
