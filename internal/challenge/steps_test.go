package challenge_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ctfforge/ctfforge/internal/challenge"
)

func TestHealthcheckDefaults(t *testing.T) {
	t.Run("ZeroValues", func(t *testing.T) {
		hc := challenge.Healthcheck{Test: "true"}

		assert.Equal(t, time.Second, hc.IntervalDuration())
		assert.Equal(t, time.Second, hc.TimeoutDuration())
		assert.Equal(t, time.Duration(0), hc.StartPeriodDuration())
		assert.Equal(t, 3, hc.RetryBudget())
	})

	t.Run("FractionalSeconds", func(t *testing.T) {
		hc := challenge.Healthcheck{Test: "true", Interval: 0.5, Timeout: 1.5, Retries: 3}

		assert.Equal(t, 500*time.Millisecond, hc.IntervalDuration())
		assert.Equal(t, 1500*time.Millisecond, hc.TimeoutDuration())
		assert.Equal(t, 3, hc.RetryBudget())
	})
}

func TestConnectionString(t *testing.T) {
	cases := []struct {
		protocol challenge.PortProtocol
		want     string
	}{
		{challenge.PortTCP, "nc ctf.example.com 8001"},
		{challenge.PortUDP, "nc -u ctf.example.com 8001"},
		{challenge.PortHTTP, "http://ctf.example.com:8001"},
		{challenge.PortWSS, "wss://ctf.example.com:8001"},
	}

	for _, tc := range cases {
		port := challenge.Port{Protocol: tc.protocol, Value: 80}
		assert.Equal(t, tc.want, port.ConnectionString("ctf.example.com", 8001))
	}
}
