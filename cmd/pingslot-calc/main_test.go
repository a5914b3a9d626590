package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingSlotCalc(t *testing.T) {
	var out bytes.Buffer
	cmd := newCommand("pingslot-calc")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"01020304", "--periodicity", "7", "--periods", "2", "--slots", "--start", "2024-01-01T00:00:00Z"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "DevAddr 01020304, periodicity 7: 1 pings every 2m2.88s")
	assert.Equal(t, 2, strings.Count(text, "slot 0"))
	assert.NotContains(t, text, "slot 1")
}

func TestPingSlotCalcRejectsInput(t *testing.T) {
	for name, args := range map[string][]string{
		"no address":      {},
		"bad address":     {"xyz"},
		"bad periodicity": {"01020304", "--periodicity", "8"},
		"bad start":       {"01020304", "--start", "yesterday"},
	} {
		t.Run(name, func(t *testing.T) {
			cmd := newCommand("pingslot-calc")
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(args)
			assert.Error(t, cmd.Execute())
		})
	}
}
