package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/ctfforge/ctfforge/internal/testrunner"
)

type PairState string

const (
	StateNotDeployed    PairState = "not_deployed"
	StateBuilding       PairState = "building"
	StateStarting       PairState = "starting"
	StateHealthChecking PairState = "health_checking"
	StateHealthy        PairState = "healthy"
	StateUnhealthy      PairState = "unhealthy"
	StateTesting        PairState = "testing"
	StateStopped        PairState = "stopped"
)

// Outcome of one (challenge, host) pair for this run. Reason is set when
// the pair ended in a failure; State records where it ended up.
type PairResult struct {
	Challenge string                  `json:"challenge"        yaml:"challenge"`
	Host      string                  `json:"host"             yaml:"host"`
	State     PairState               `json:"state"            yaml:"state"`
	OK        bool                    `json:"ok"               yaml:"ok"`
	Reason    string                  `json:"reason,omitempty" yaml:"reason,omitempty"`
	Tests     []testrunner.StepResult `json:"tests,omitempty"  yaml:"tests,omitempty"`
}

type Report struct {
	Mode  Mode         `json:"mode"  yaml:"mode"`
	Pairs []PairResult `json:"pairs" yaml:"pairs"`
	OK    bool         `json:"ok"    yaml:"ok"`
}

func (r *Report) finalize() {
	r.OK = true
	for _, pair := range r.Pairs {
		if !pair.OK {
			r.OK = false
			return
		}
	}
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Text renders the human-readable summary printed at the end of a run.
func (r *Report) Text() string {
	var b strings.Builder
	for _, pair := range r.Pairs {
		status := "ok"
		if !pair.OK {
			status = "FAIL"
		}

		fmt.Fprintf(&b, "%-4s %s@%s [%s]", status, pair.Challenge, pair.Host, pair.State)
		if pair.Reason != "" {
			fmt.Fprintf(&b, ": %s", pair.Reason)
		}
		b.WriteByte('\n')

		for _, test := range pair.Tests {
			mark := "pass"
			if !test.Passed {
				mark = "fail"
			}
			fmt.Fprintf(&b, "     step %d: %s (%d attempts)", test.Step, mark, test.Attempts)
			if test.Reason != "" {
				fmt.Fprintf(&b, ": %s", test.Reason)
			}
			b.WriteByte('\n')
		}
	}

	if r.OK {
		fmt.Fprintf(&b, "%d pairs ok\n", len(r.Pairs))
	} else {
		failed := 0
		for _, pair := range r.Pairs {
			if !pair.OK {
				failed++
			}
		}
		fmt.Fprintf(&b, "%d of %d pairs failed\n", failed, len(r.Pairs))
	}

	return b.String()
}
