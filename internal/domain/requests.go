package domain

// CreateInstanceRequest is the JSON body sent to provision and launch a new
// game-server instance.
type CreateInstanceRequest struct {
	Name     string `json:"name"`
	Image    string `json:"image"`
	MemoryMB int64  `json:"memory_mb"`
	DiskMB   int64  `json:"disk_mb,omitempty"`
}

// CreateInstanceResponse is returned on successful provisioning. Secret is
// delivered exactly once here and is never retrievable again.
type CreateInstanceResponse struct {
	InstanceID   string `json:"instance_id"`
	Port         int    `json:"port"`
	Address      string `json:"address"`
	AddressLabel string `json:"address_label,omitempty"`
	Secret       string `json:"secret"`
	Status       string `json:"status"`
}

// StopInstanceRequest carries the optional graceful-termination window.
type StopInstanceRequest struct {
	GraceSeconds int `json:"grace_seconds,omitempty"`
}

// DestroyInstanceRequest controls whether persistent storage is removed.
type DestroyInstanceRequest struct {
	Purge bool `json:"purge,omitempty"`
}

// ErrorResponse is the JSON body returned by the gateway for structured
// errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
