// Package main implements gatecheck, the CI-facing CLI collaborator
// named in §6 as "deployment automation calls evaluate_release(...)":
// it posts a release-gate evaluation request to a running governance
// service and turns the decision into a process exit code a pipeline
// step can branch on.
//
// Exit codes: 0 approve, 1 reject, 2 operational failure (the request
// itself could not be completed — network, auth, or a malformed
// response).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type readinessGate struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type evaluateRequest struct {
	ManifestID     string          `json:"manifest_id"`
	PolicyPack     string          `json:"policy_pack"`
	RehearsalAt    *time.Time      `json:"rehearsal_at,omitempty"`
	ReadinessGates []readinessGate `json:"readiness_gates,omitempty"`
}

type evaluateResponse struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
	TraceID  string   `json:"trace_id"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gatecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)

	server := fs.String("server", "http://localhost:8080", "governance service base URL")
	manifestID := fs.String("manifest", "", "artifact_id of the manifest to evaluate (required)")
	policyFile := fs.String("policy", "", "path to the policy pack YAML/JSON file (required)")
	token := fs.String("token", os.Getenv("GATECHECK_TOKEN"), "bearer token (defaults to $GATECHECK_TOKEN)")
	actor := fs.String("actor", "", "X-Actor header value (required)")
	roles := fs.String("roles", "", "comma-separated X-Roles header value (required)")
	tenant := fs.String("tenant", "", "X-Tenant header value (required)")
	reason := fs.String("reason", "", "X-Reason header value (required)")
	rehearsalAt := fs.String("rehearsal-at", "", "RFC3339 timestamp of the last rehearsal, if any")
	readiness := fs.String("readiness", "", "comma-separated name=status readiness gate pairs")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *manifestID == "" || *policyFile == "" || *actor == "" || *roles == "" || *tenant == "" || *reason == "" {
		fmt.Fprintln(stderr, "gatecheck: -manifest, -policy, -actor, -roles, -tenant and -reason are required")
		return 2
	}

	policyBytes, err := os.ReadFile(*policyFile)
	if err != nil {
		fmt.Fprintf(stderr, "gatecheck: read policy file: %v\n", err)
		return 2
	}

	req := evaluateRequest{
		ManifestID: *manifestID,
		PolicyPack: string(policyBytes),
	}
	if *rehearsalAt != "" {
		t, err := time.Parse(time.RFC3339, *rehearsalAt)
		if err != nil {
			fmt.Fprintf(stderr, "gatecheck: invalid -rehearsal-at: %v\n", err)
			return 2
		}
		req.RehearsalAt = &t
	}
	if *readiness != "" {
		for _, pair := range strings.Split(*readiness, ",") {
			name, status, ok := strings.Cut(pair, "=")
			if !ok {
				fmt.Fprintf(stderr, "gatecheck: invalid -readiness pair %q, want name=status\n", pair)
				return 2
			}
			req.ReadinessGates = append(req.ReadinessGates, readinessGate{Name: name, Status: status})
		}
	}

	result, err := evaluate(*server, *token, *actor, *roles, *tenant, *reason, req, *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "gatecheck: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "decision=%s trace_id=%s\n", result.Decision, result.TraceID)
	for _, r := range result.Reasons {
		fmt.Fprintf(stdout, "  - %s\n", r)
	}

	if strings.EqualFold(result.Decision, "APPROVE") {
		return 0
	}
	return 1
}

func evaluate(server, token, actor, roles, tenant, reason string, reqBody evaluateRequest, timeout time.Duration) (evaluateResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return evaluateResponse{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(server, "/")+"/release/evaluate", bytes.NewReader(body))
	if err != nil {
		return evaluateResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Actor", actor)
	httpReq.Header.Set("X-Roles", roles)
	httpReq.Header.Set("X-Tenant", tenant)
	httpReq.Header.Set("X-Reason", reason)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return evaluateResponse{}, fmt.Errorf("call governance service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return evaluateResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return evaluateResponse{}, fmt.Errorf("governance service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result evaluateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return evaluateResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
