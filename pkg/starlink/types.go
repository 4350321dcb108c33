package starlink

// StatusResponse is the get_status reply from the dish, reduced to the
// fields the failover engine and the status command read.
type StatusResponse struct {
	DishGetStatus struct {
		DeviceInfo struct {
			ID              string `json:"id"`
			HardwareVersion string `json:"hardwareVersion"`
			SoftwareVersion string `json:"softwareVersion"`
		} `json:"deviceInfo"`

		DeviceState struct {
			UptimeS string `json:"uptimeS"` // comes as string from the API
		} `json:"deviceState"`

		ObstructionStats struct {
			CurrentlyObstructed bool    `json:"currentlyObstructed"`
			FractionObstructed  float64 `json:"fractionObstructed"`
			ValidS              int     `json:"validS"`
		} `json:"obstructionStats"`

		// Network performance
		PopPingLatencyMs float64 `json:"popPingLatencyMs"`
		PopPingDropRate  float64 `json:"popPingDropRate"`

		// Signal quality
		SNR                  float64 `json:"snr"`
		IsSnrAboveNoiseFloor bool    `json:"isSnrAboveNoiseFloor"`
		IsSnrPersistentlyLow bool    `json:"isSnrPersistentlyLow"`

		// Scheduling: seconds until the dish expects its next usable
		// satellite slot. Zero when a slot is available now.
		SecondsToFirstNonemptySlot int `json:"secondsToFirstNonemptySlot"`
	} `json:"dishGetStatus"`
}
