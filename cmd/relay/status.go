package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/services"
	"github.com/benmeehan/boxrelay/internal/utils"
	"github.com/benmeehan/boxrelay/pkg/file"
	http_utils "github.com/benmeehan/boxrelay/pkg/httpUtils"
	"github.com/spf13/cobra"
)

const statusTimeout = 3 * time.Second

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the relay is running, its connections and storage health",
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Explain how to stop a running relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(),
				"The relay runs in the foreground. Stop it with Ctrl-C or by sending SIGTERM to its process "+
					"(for example through your service manager); it drains connections before exiting.")
			return err
		},
	}
}

// statusHost is the address a local client dials for the configured listener.
func statusHost(config *utils.Config) string {
	host := config.Relay.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host
}

// statusURL points at the local status endpoint of the configured listener.
func statusURL(config *utils.Config) string {
	scheme := "http"
	if config.Relay.EnableTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/status", scheme, net.JoinHostPort(statusHost(config), strconv.Itoa(config.Relay.Port)))
}

// statusClient trusts the relay's own certificate when TLS is enabled. When
// the certificate does not name the dialed host, its first DNS name is
// verified instead.
func statusClient(config *utils.Config, fileClient file.FileOperations) (*http.Client, error) {
	if !config.Relay.EnableTLS {
		return nil, nil
	}
	certPEM, err := fileClient.ReadFileRaw(config.Relay.TLSCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay certificate: %w", err)
	}
	serverName := ""
	if block, _ := pem.Decode(certPEM); block != nil {
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			if cert.VerifyHostname(statusHost(config)) != nil && len(cert.DNSNames) > 0 {
				serverName = cert.DNSNames[0]
			}
		}
	}
	client, err := http_utils.NewClientWithCA(certPEM, serverName, statusTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid relay certificate %s: %w", config.Relay.TLSCertPath, err)
	}
	return client, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	client, err := statusClient(config, file.NewFileService())
	if err != nil {
		return err
	}
	var status models.RelayStatus
	if err := http_utils.GetJSON(ctx, client, statusURL(config), &status); err != nil {
		if !http_utils.IsUnreachable(err) {
			return fmt.Errorf("relay answered but status failed: %w", err)
		}
		status = offlineStatus(ctx, config)
	}

	if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
		return printJSON(cmd, status)
	}

	out := cmd.OutOrStdout()
	state := "stopped"
	if status.Running {
		state = "running"
	}
	fmt.Fprintf(out, "Relay:        %s (%s:%d, tls=%t)\n", state, config.Relay.Host, status.Port, status.TLS)
	if status.Running {
		fmt.Fprintf(out, "Uptime:       %s\n", time.Duration(status.UptimeSecond)*time.Second)
		fmt.Fprintf(out, "Connections:  %d across %d boxes and %d customers\n",
			status.Stats.TotalConnections, status.Stats.Boxes, status.Stats.Customers)
		fmt.Fprintf(out, "Pending:      %d commands, %d unauthenticated sockets\n", status.Stats.PendingRequests, status.PendingAuth)
	}
	storage := "ok"
	if !status.Storage.OK {
		storage = "unavailable: " + status.Storage.Error
	}
	fmt.Fprintf(out, "Storage:      %s (%s)\n", storage, status.Storage.Driver)
	return nil
}

// offlineStatus is reported when no relay answers; storage is checked directly.
func offlineStatus(ctx context.Context, config *utils.Config) models.RelayStatus {
	status := models.RelayStatus{
		Running: false,
		Host:    config.Relay.Host,
		Port:    config.Relay.Port,
		TLS:     config.Relay.EnableTLS,
	}
	st, err := openStore(ctx, config, file.NewFileService())
	if err != nil {
		status.Storage = models.StorageHealth{Driver: config.Storage.Driver, Error: err.Error()}
		return status
	}
	defer st.Close()
	status.Storage = services.CheckStorage(ctx, st, st.Driver())
	return status
}
