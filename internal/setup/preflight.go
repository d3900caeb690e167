package setup

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/signing"
)

const probeTimeout = 5 * time.Second

// CheckStatus is the outcome of one preflight check. A failed hard check
// blocks startup; soft failures degrade features the node can run without.
type CheckStatus struct {
	Name   string
	OK     bool
	Hard   bool
	Detail string
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Checks    []CheckStatus
	OSId      string // "ubuntu", "debian", etc.
	OSVersion string // "22.04", "12", etc.
}

// Options selects which preflight checks apply to this deployment.
type Options struct {
	Devices           domain.DeviceProvider
	SigningKey        string
	ServingMetricsURL string
	HTTPClient        *http.Client
	DatabaseDSN       string
	EnginesConfigured bool
}

// RunPreflight probes everything the node needs before it starts: the
// accelerator driver, the signing key, the serving metrics endpoint, the
// Docker daemon when engines are supervised, and the state store.
func RunPreflight(ctx context.Context, opts Options) *PreflightResult {
	result := &PreflightResult{}
	result.OSId, result.OSVersion = detectOS()

	result.Checks = append(result.Checks, checkDevices(opts.Devices))
	result.Checks = append(result.Checks, checkSigningKey(opts.SigningKey))
	if opts.ServingMetricsURL != "" {
		result.Checks = append(result.Checks, checkServingEndpoint(ctx, opts))
	}
	if opts.EnginesConfigured {
		result.Checks = append(result.Checks, checkDockerDaemon(ctx))
	}
	result.Checks = append(result.Checks, checkStore(ctx, opts.DatabaseDSN))

	return result
}

// HardFailures returns the names of failed checks the node cannot start
// without.
func (r *PreflightResult) HardFailures() []string {
	var failed []string
	for _, c := range r.Checks {
		if !c.OK && c.Hard {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// PrintStatus prints the preflight check results
func (r *PreflightResult) PrintStatus() {
	for _, c := range r.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		fmt.Printf("  %s %s: %s\n", mark, c.Name, c.Detail)
	}
	fmt.Printf("  OS: %s %s\n", r.OSId, r.OSVersion)
}

func checkDevices(devices domain.DeviceProvider) CheckStatus {
	cs := CheckStatus{Name: "accelerator driver"}
	if err := devices.Init(); err != nil {
		cs.Detail = fmt.Sprintf("unavailable (%v); run with -mock-devices to publish without accelerators", err)
		return cs
	}
	defer devices.Shutdown()

	count, err := devices.DeviceCount()
	if err != nil {
		cs.Detail = fmt.Sprintf("enumeration failed: %v", err)
		return cs
	}
	cs.OK = true
	cs.Detail = fmt.Sprintf("%d device(s)", count)
	return cs
}

func checkSigningKey(key string) CheckStatus {
	cs := CheckStatus{Name: "signing key", Hard: true}
	if key == "" {
		cs.OK = true
		cs.Detail = "not configured, an ephemeral key will be generated"
		return cs
	}
	wallet, err := signing.NewWallet(key)
	if err != nil {
		cs.Detail = err.Error()
		return cs
	}
	cs.OK = true
	cs.Detail = wallet.Address()
	return cs
}

func checkServingEndpoint(ctx context.Context, opts Options) CheckStatus {
	cs := CheckStatus{Name: "serving metrics"}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ServingMetricsURL, nil)
	if err != nil {
		cs.Detail = fmt.Sprintf("bad URL: %v", err)
		return cs
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		cs.Detail = fmt.Sprintf("unreachable (%v); serving statistics will read zero", err)
		return cs
	}
	resp.Body.Close()

	cs.OK = true
	cs.Detail = fmt.Sprintf("reachable (HTTP %d)", resp.StatusCode)
	return cs
}

func checkDockerDaemon(ctx context.Context) CheckStatus {
	cs := CheckStatus{Name: "docker daemon", Hard: true}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		cs.Detail = err.Error()
		return cs
	}
	defer cli.Close()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ping, err := cli.Ping(pctx)
	if err != nil {
		cs.Detail = fmt.Sprintf("unreachable: %v", err)
		return cs
	}
	cs.OK = true
	cs.Detail = fmt.Sprintf("API %s", ping.APIVersion)
	return cs
}

func checkStore(ctx context.Context, dsn string) CheckStatus {
	cs := CheckStatus{Name: "state store", Hard: true}
	if dsn == "" {
		cs.OK = true
		cs.Detail = "in-memory (no DSN configured)"
		return cs
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		cs.Detail = err.Error()
		return cs
	}
	defer db.Close()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		cs.Detail = fmt.Sprintf("unreachable: %v", err)
		return cs
	}
	cs.OK = true
	cs.Detail = "postgres reachable"
	return cs
}

func detectOS() (id, version string) {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return id, version
}
