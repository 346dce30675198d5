package job

// Capabilities describes what a driver can do, as reported by its
// capabilities command.
type Capabilities struct {
	// Modules maps each npm module the driver requires to its resolved path.
	Modules map[string]string `json:"modules"`
	// Screenshot is the file extension of screenshots, empty when the
	// driver cannot take them.
	Screenshot string `json:"screenshot,omitempty"`
	Console    bool   `json:"console"`
	Scripts    bool   `json:"scripts"`
	Parallel   bool   `json:"parallel"`
}

// DefaultCapabilities returns the values assumed for anything the driver
// does not declare.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Modules:  map[string]string{},
		Parallel: true,
	}
}
