// Package starlink queries the dish over its local gRPC API. The API
// has no published protos; methods are resolved at runtime through
// server reflection the way grpcurl does it.
package starlink

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
)

// Client talks to the Starlink dish management endpoint.
type Client struct {
	host    string
	port    int
	timeout time.Duration
	logger  *logx.Logger
}

// NewClient creates a dish client. The timeout bounds every call,
// independent of the caller's context.
func NewClient(host string, port int, timeout time.Duration, logger *logx.Logger) *Client {
	return &Client{
		host:    host,
		port:    port,
		timeout: timeout,
		logger:  logger,
	}
}

// APIMethod names a request in the dish Handle envelope.
type APIMethod string

const (
	MethodGetStatus     APIMethod = "get_status"
	MethodGetDeviceInfo APIMethod = "get_device_info"
)

// CallMethod invokes one dish API method and returns the raw JSON
// response.
func (c *Client) CallMethod(ctx context.Context, method APIMethod) (string, error) {
	conn, err := grpc.DialContext(ctx, fmt.Sprintf("%s:%d", c.host, c.port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect to dish API: %w", err)
	}
	defer conn.Close()

	reflectionClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	descSource := grpcurl.DescriptorSourceFromServer(ctx, reflectionClient)

	requestJSON := fmt.Sprintf(`{"%s":{}}`, string(method))
	requestReader := grpcurl.NewJSONRequestParser(strings.NewReader(requestJSON),
		grpcurl.AnyResolverFromDescriptorSource(descSource))

	var responseBuffer strings.Builder
	formatter := grpcurl.NewJSONFormatter(false, grpcurl.AnyResolverFromDescriptorSource(descSource))
	handler := &grpcurl.DefaultEventHandler{
		Out:       &responseBuffer,
		Formatter: formatter,
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, "SpaceX.API.Device.Device/Handle",
		nil, handler, requestReader.Next); err != nil {
		return "", fmt.Errorf("gRPC call failed: %w", err)
	}
	return responseBuffer.String(), nil
}

// GetStatus retrieves the current dish status.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	response, err := c.CallMethod(ctx, MethodGetStatus)
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := json.Unmarshal([]byte(response), &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// Collect implements pkg.MetricsSource. A failed or timed-out query
// reports the source as unreachable; the engine treats that as a
// failover signal rather than a transient error.
func (c *Client) Collect(ctx context.Context) (*pkg.LinkMetrics, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, err := c.GetStatus(cctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrMetricsUnavailable, err)
	}

	metrics := statusToMetrics(status, time.Now())
	c.logger.Debug("Dish status collected", "metrics", metrics.String())
	return metrics, nil
}

// IsAvailable checks basic reachability of the dish address without
// touching the gRPC API.
func (c *Client) IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "2", c.host)
	return cmd.Run() == nil
}

// statusToMetrics maps a dish status to the link metrics the decision
// rules consume. The reacquisition window is only meaningful when the
// dish reports a wait for its next slot.
func statusToMetrics(status *StatusResponse, now time.Time) *pkg.LinkMetrics {
	dish := &status.DishGetStatus

	metrics := &pkg.LinkMetrics{
		SNR:                 dish.SNR,
		LatencyMS:           int(math.Round(dish.PopPingLatencyMs)),
		LossFraction:        dish.PopPingDropRate,
		ObstructionFraction: dish.ObstructionStats.FractionObstructed,
		Timestamp:           now,
	}
	if dish.SecondsToFirstNonemptySlot > 0 {
		window := float64(dish.SecondsToFirstNonemptySlot)
		metrics.ReacquisitionWindowS = &window
	}
	return metrics
}
