package challenge

import (
	"encoding/json"
	"fmt"
	"time"
)

type StepType string

const StepTypeDocker StepType = "docker"

// typeTag peeks at the discriminator field shared by all step variants.
type typeTag struct {
	Type StepType `json:"type"`
}

func checkStepType(data []byte, kind string) error {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Type != StepTypeDocker {
		return fmt.Errorf("unknown %s step type %q", kind, tag.Type)
	}
	return nil
}

// Maps a file inside the build container to a path under the challenge dir.
type FileMap struct {
	Source      string `json:"source"      validate:"required"`
	Destination string `json:"destination" validate:"required"`
}

// One containerized build producing static artifacts.
type BuildStep struct {
	Type  StepType          `json:"type"           validate:"required"`
	Path  string            `json:"path,omitempty"`
	Args  map[string]string `json:"args,omitempty"`
	Files []FileMap         `json:"files"          validate:"required,min=1,dive"`
}

func (s *BuildStep) UnmarshalJSON(data []byte) error {
	if err := checkStepType(data, "build"); err != nil {
		return err
	}
	type plain BuildStep
	return json.Unmarshal(data, (*plain)(s))
}

type PortProtocol string

const (
	PortHTTP  PortProtocol = "http"
	PortHTTPS PortProtocol = "https"
	PortTCP   PortProtocol = "tcp"
	PortUDP   PortProtocol = "udp"
	PortWS    PortProtocol = "ws"
	PortWSS   PortProtocol = "wss"
)

// A declared service port. Public ports are exposed externally and consume
// a slot in the challenge's allocated block; internal ports are reachable
// only between a challenge's own deploy steps.
type Port struct {
	Protocol PortProtocol `json:"type"   validate:"required,oneof=http https tcp udp ws wss"`
	Value    int          `json:"value"  validate:"required,gt=0,lte=65535"`
	Public   bool         `json:"public"`
}

// ConnectionString renders the player-facing way to reach this port.
func (p *Port) ConnectionString(host string, port int) string {
	switch p.Protocol {
	case PortTCP:
		return fmt.Sprintf("nc %s %d", host, port)
	case PortUDP:
		return fmt.Sprintf("nc -u %s %d", host, port)
	default:
		return fmt.Sprintf("%s://%s:%d", p.Protocol, host, port)
	}
}

// A bounded-retry readiness probe for a deploy step.
type Healthcheck struct {
	Test        string  `json:"test"         validate:"required"`
	Interval    float64 `json:"interval"`
	Timeout     float64 `json:"timeout"`
	Retries     int     `json:"retries"`
	StartPeriod float64 `json:"start_period"`
}

func (h *Healthcheck) IntervalDuration() time.Duration {
	if h.Interval <= 0 {
		return time.Second
	}
	return time.Duration(h.Interval * float64(time.Second))
}

func (h *Healthcheck) TimeoutDuration() time.Duration {
	if h.Timeout <= 0 {
		return time.Second
	}
	return time.Duration(h.Timeout * float64(time.Second))
}

func (h *Healthcheck) StartPeriodDuration() time.Duration {
	return time.Duration(h.StartPeriod * float64(time.Second))
}

func (h *Healthcheck) RetryBudget() int {
	if h.Retries <= 0 {
		return 3
	}
	return h.Retries
}

// An environment binding for a deploy or test container. Generated values
// are produced fresh at deploy time and injected into the instance.
type EnvVar struct {
	Name     string `json:"name"            validate:"required"`
	Value    string `json:"value,omitempty"`
	Generate bool   `json:"generate"`
}

type ResourceLimits struct {
	CPUs     float64 `json:"cpus,omitempty"      validate:"gte=0"`
	MemoryMB int64   `json:"memory_mb,omitempty" validate:"gte=0"`
}

// One containerized service belonging to a challenge.
type DeployStep struct {
	Type        StepType          `json:"type"                  validate:"required"`
	Name        string            `json:"name,omitempty"`
	Path        string            `json:"path,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	Env         []EnvVar          `json:"env,omitempty"         validate:"dive"`
	Ports       []Port            `json:"ports,omitempty"       validate:"dive"`
	Healthcheck *Healthcheck      `json:"healthcheck,omitempty"`
	Limits      *ResourceLimits   `json:"limits,omitempty"`
}

func (s *DeployStep) UnmarshalJSON(data []byte) error {
	if err := checkStepType(data, "deploy"); err != nil {
		return err
	}
	type plain DeployStep
	return json.Unmarshal(data, (*plain)(s))
}

// A solve-script container run against a deployed instance.
type TestStep struct {
	Type StepType          `json:"type"           validate:"required"`
	Path string            `json:"path,omitempty"`
	Args map[string]string `json:"args,omitempty"`
	Env  []EnvVar          `json:"env,omitempty"  validate:"dive"`
}

func (s *TestStep) UnmarshalJSON(data []byte) error {
	if err := checkStepType(data, "test"); err != nil {
		return err
	}
	type plain TestStep
	return json.Unmarshal(data, (*plain)(s))
}
