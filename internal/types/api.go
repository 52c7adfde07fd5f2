package types

// HTTP headers used by the object API.
const (
	HeaderTier       = "X-Objtier-Tier"
	HeaderMetaPrefix = "X-Objtier-Meta-"
)

// Status is the service state reported over HTTP and NATS.
type Status struct {
	Status       string     `json:"status"`
	Scanning     bool       `json:"scanning"`
	Threshold    string     `json:"threshold"`
	ScanInterval string     `json:"scan_interval"`
	LastPass     *PassStats `json:"last_pass,omitempty"`
}
