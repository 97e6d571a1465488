package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
)

func TestIsmatecEncode(t *testing.T) {
	c := NewIsmatec(1)

	cases := []struct {
		command string
		params  any
		want    string
	}{
		{"start", nil, "1H\r"},
		{"stop", nil, "1I\r"},
		{"set_flowrate", 12.5, "1S00012\r"},
		{"set_flowrate", "944", "1S00944\r"},
		{"set_flowrate", int32(30), "1S00030\r"},
		{"get_flowrate", nil, "1S\r"},
	}
	for _, tc := range cases {
		frame, err := c.Encode(tc.command, tc.params)
		require.NoError(t, err, tc.command)
		assert.Equal(t, tc.want, string(frame), tc.command)
	}

	_, err := c.Encode("set_flowrate", -1.0)
	assert.Error(t, err)
	for _, bad := range []any{math.NaN(), "NaN", math.Inf(1), float32(math.Inf(-1))} {
		_, err = c.Encode("set_flowrate", bad)
		assert.Error(t, err, "%v", bad)
	}
	_, err = c.Encode("prime", nil)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindUnknownCommand))
}

func TestIsmatecDecode(t *testing.T) {
	c := NewIsmatec(1)

	v, err := c.Decode("start", []byte("*"))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = c.Decode("get_flowrate", []byte("00944"))
	require.NoError(t, err)
	assert.Equal(t, 944.0, v)

	_, err = c.Decode("start", []byte("#"))
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransport))

	_, err = c.Decode("get_flowrate", []byte("garbage"))
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransport))
}

func TestIsmatecInitFramesUseAddress(t *testing.T) {
	frames := NewIsmatec(2).InitFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, "@2\r", string(frames[0]))
	assert.Equal(t, "2M\r", string(frames[1]))
}

func TestIka(t *testing.T) {
	c := NewIka()

	frame, err := c.Encode("set_rate", 120)
	require.NoError(t, err)
	assert.Equal(t, "OUT_SP_4 120.00 \r \n", string(frame))

	for _, bad := range []any{math.NaN(), "Inf", math.Inf(-1)} {
		_, err = c.Encode("set_rate", bad)
		assert.Error(t, err, "%v", bad)
	}

	frame, err = c.Encode("get_rate_pv", nil)
	require.NoError(t, err)
	assert.Equal(t, "IN_PV_4 \r \n", string(frame))

	cmd, ok := c.Lookup("start")
	require.True(t, ok)
	assert.True(t, cmd.NoReply)

	v, err := c.Decode("get_rate_pv", []byte("250.0 4"))
	require.NoError(t, err)
	assert.Equal(t, 250.0, v)

	_, err = c.Decode("get_rate_pv", []byte("250.0 3"))
	assert.Error(t, err)
}

func TestGenericFromConfig(t *testing.T) {
	c, err := New(config.InstrumentConfig{
		Type:       "generic",
		Terminator: "\n",
		Commands: map[string]config.GenericCommand{
			"read":  {Frame: "R\n", Reply: true},
			"set":   {Frame: "S %v\n", TakesParameter: true},
			"ident": {Frame: "ID\n", Reply: true},
		},
	})
	require.NoError(t, err)

	frame, err := c.Encode("set", 7)
	require.NoError(t, err)
	assert.Equal(t, "S 7\n", string(frame))

	_, err = c.Encode("set", math.NaN())
	assert.Error(t, err)

	cmd, _ := c.Lookup("set")
	assert.True(t, cmd.NoReply)
	assert.True(t, cmd.TakesParameter)

	v, err := c.Decode("read", []byte(" 3.25 "))
	require.NoError(t, err)
	assert.Equal(t, 3.25, v)

	v, err = c.Decode("ident", []byte("PUMP-01"))
	require.NoError(t, err)
	assert.Equal(t, "PUMP-01", v)

	names := make([]string, 0)
	for _, cmd := range c.Commands() {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"ident", "read", "set"}, names)

	frame, rest, err := c.Framer()([]byte("1.0\n2.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", string(frame))
	assert.Equal(t, "2.0", string(rest))
}

func TestGenericRejectsParameterWithoutVerb(t *testing.T) {
	_, err := NewGeneric(map[string]config.GenericCommand{
		"set": {Frame: "S\r", TakesParameter: true},
	}, "")
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindConfiguration))
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(config.InstrumentConfig{Type: "centrifuge"})
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindConfiguration))
}
