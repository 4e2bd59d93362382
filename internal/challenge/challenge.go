package challenge

// One scoreable CTF task, possibly multi-container. The name is derived
// from the containing directory and is unique within a set.
type Challenge struct {
	Name        string       `json:"-"`
	Dir         string       `json:"-"`
	Category    string       `json:"category"              validate:"required"`
	Value       int          `json:"value"                 validate:"gte=0"`
	Host        *Host        `json:"host,omitempty"`
	Flags       []Flag       `json:"flags"                 validate:"required,min=1,dive"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
	Hints       []Hint       `json:"hints,omitempty"       validate:"dive"`
	Build       []BuildStep  `json:"build,omitempty"       validate:"dive"`
	Deploy      []DeployStep `json:"deploy,omitempty"      validate:"dive"`
	Test        []TestStep   `json:"test,omitempty"        validate:"dive"`
}

// Pins a challenge to one of the configured virtual hosts.
type Host struct {
	Index int `json:"index" validate:"gte=0"`
}

type Attachment struct {
	Type AttachmentType `json:"type" validate:"required,oneof=file directory"`
	Path string         `json:"path" validate:"required"`
}

type AttachmentType string

const (
	AttachmentFile      AttachmentType = "file"
	AttachmentDirectory AttachmentType = "directory"
)

type Hint struct {
	Text string `json:"text" validate:"required"`
	Cost int    `json:"cost" validate:"gte=0"`
}

// All public ports a challenge declares, in declaration order across its
// deploy steps.
func (c *Challenge) PublicPorts() []Port {
	var out []Port
	for _, step := range c.Deploy {
		for _, port := range step.Ports {
			if port.Public {
				out = append(out, port)
			}
		}
	}
	return out
}

// Whether any deploy step is declared, i.e. the challenge has a runtime.
func (c *Challenge) HasRuntime() bool {
	return len(c.Deploy) > 0
}
