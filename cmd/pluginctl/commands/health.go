package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/waggle/pluginmanager/cmd/pluginctl/config"
	"github.com/waggle/pluginmanager/pkg/gateway"
	"github.com/waggle/pluginmanager/pkg/observability"
)

// healthServices are checked when no --service is given: the manager as a
// whole and both halves of the collector link.
var healthServices = []string{"", gateway.ComponentUplink, gateway.ComponentDownlink}

// HealthResult is the state of one health service.
type HealthResult struct {
	Service string `json:"service" yaml:"service"`
	Status  string `json:"status" yaml:"status"`
}

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the plugin manager's gRPC health service",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
	cmd.Flags().StringSlice("service", nil, "Services to check (default: manager, uplink, downlink)")
	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, conn, err := cfg.NewHealthClient()
	if err != nil {
		return err
	}
	defer conn.Close()

	services, _ := cmd.Flags().GetStringSlice("service")
	if len(services) == 0 {
		services = healthServices
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(observability.WithRequestID(ctx, observability.GenerateRequestID()), cfg.Timeout)
	defer cancel()

	results := make([]HealthResult, 0, len(services))
	for _, svc := range services {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: svc})
		var status string
		switch {
		case err == nil:
			status = resp.Status.String()
		case grpcstatus.Code(err) == codes.NotFound:
			status = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN.String()
		default:
			status = fmt.Sprintf("UNREACHABLE (%v)", err)
		}
		results = append(results, HealthResult{Service: observability.HealthServiceLabel(svc), Status: status})
	}

	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputterTo(output, cmd.OutOrStdout())
	if out.GetFormat() != config.OutputTable {
		return out.Print(results)
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.Service, colorStatus(r.Status)})
	}
	out.PrintTable([]string{"SERVICE", "STATUS"}, rows)
	return nil
}

func colorStatus(status string) string {
	switch status {
	case grpc_health_v1.HealthCheckResponse_SERVING.String():
		return color.GreenString(status)
	case grpc_health_v1.HealthCheckResponse_NOT_SERVING.String():
		return color.YellowString(status)
	default:
		return color.RedString(status)
	}
}
