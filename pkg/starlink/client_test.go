package starlink

import (
	"encoding/json"
	"testing"
	"time"
)

const sampleStatus = `{
  "dishGetStatus": {
    "deviceInfo": {
      "id": "ut01000000-00000000-00000000",
      "hardwareVersion": "rev3_proto2",
      "softwareVersion": "2025.07.15.mr12345"
    },
    "deviceState": {"uptimeS": "86400"},
    "obstructionStats": {
      "currentlyObstructed": false,
      "fractionObstructed": 0.021,
      "validS": 86000
    },
    "popPingLatencyMs": 42.6,
    "popPingDropRate": 0.015,
    "snr": 8.5,
    "isSnrAboveNoiseFloor": true,
    "isSnrPersistentlyLow": false,
    "secondsToFirstNonemptySlot": 60
  }
}`

func TestStatusToMetrics(t *testing.T) {
	var status StatusResponse
	if err := json.Unmarshal([]byte(sampleStatus), &status); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	now := time.Date(2025, 7, 25, 12, 0, 0, 0, time.UTC)
	metrics := statusToMetrics(&status, now)

	if metrics.SNR != 8.5 {
		t.Errorf("SNR %f", metrics.SNR)
	}
	if metrics.LatencyMS != 43 {
		t.Errorf("Latency must round to whole milliseconds, got %d", metrics.LatencyMS)
	}
	if metrics.LossFraction != 0.015 {
		t.Errorf("Loss %f", metrics.LossFraction)
	}
	if metrics.ObstructionFraction != 0.021 {
		t.Errorf("Obstruction %f", metrics.ObstructionFraction)
	}
	if metrics.ReacquisitionWindowS == nil || *metrics.ReacquisitionWindowS != 60 {
		t.Errorf("Window %v", metrics.ReacquisitionWindowS)
	}
	if !metrics.Timestamp.Equal(now) {
		t.Errorf("Timestamp %v", metrics.Timestamp)
	}
}

func TestStatusToMetricsNoSlotWait(t *testing.T) {
	var status StatusResponse
	if err := json.Unmarshal([]byte(sampleStatus), &status); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	status.DishGetStatus.SecondsToFirstNonemptySlot = 0

	metrics := statusToMetrics(&status, time.Now())
	if metrics.ReacquisitionWindowS != nil {
		t.Errorf("Expected no window, got %v", *metrics.ReacquisitionWindowS)
	}
}

func TestStatusResponseIgnoresUnknownFields(t *testing.T) {
	payload := `{"dishGetStatus": {"snr": 7.0, "gpsStats": {"gpsValid": true}, "boresightAzimuthDeg": 12.5}}`

	var status StatusResponse
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if status.DishGetStatus.SNR != 7.0 {
		t.Errorf("SNR %f", status.DishGetStatus.SNR)
	}
}
