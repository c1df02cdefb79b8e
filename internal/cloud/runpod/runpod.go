// Package runpod implements cloud.Provider against the RunPod GraphQL API,
// grounded on the original runpod_client.py's REST/GraphQL pod lifecycle
// calls and the teacher's bounded-transport HTTP client pattern.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nimbusgpu/orchestrator/internal/cloud"
)

const graphqlEndpoint = "https://api.runpod.io/graphql"

// Client implements cloud.Provider over RunPod's GraphQL API.
type Client struct {
	apiKey     string
	httpClient *http.Client
	endpoint   string
	probe      *ProbeConfig
}

// Option customises a Client; used by tests to point at a fake endpoint.
type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithProbeConfig installs the SSH readiness probe used by InitializePod.
// If never set, InitializePod treats an assigned IP and SSH port as
// sufficient and makes no SSH connection.
func WithProbeConfig(p ProbeConfig) Option {
	return func(c *Client) { c.probe = &p }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		endpoint: graphqlEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          50,
				MaxIdleConnsPerHost:   20,
				MaxConnsPerHost:       20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, req graphqlRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, cloud.NewError(cloud.ErrFatal, "marshal graphql request", err)
	}

	var result json.RawMessage
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(cloud.NewError(cloud.ErrFatal, "build request", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return cloud.NewError(cloud.ErrTransient, "runpod request failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return cloud.NewError(cloud.ErrTransient, "read runpod response", err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(cloud.NewError(cloud.ErrAuth, string(data), nil))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return cloud.NewError(cloud.ErrQuota, string(data), nil)
		}
		if resp.StatusCode >= 500 {
			return cloud.NewError(cloud.ErrTransient, fmt.Sprintf("runpod %d", resp.StatusCode), nil)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(cloud.NewError(cloud.ErrFatal, fmt.Sprintf("runpod %d: %s", resp.StatusCode, data), nil))
		}

		var gr graphqlResponse
		if err := json.Unmarshal(data, &gr); err != nil {
			return cloud.NewError(cloud.ErrTransient, "decode runpod response", err)
		}
		if len(gr.Errors) > 0 {
			return backoff.Permanent(cloud.NewError(cloud.ErrFatal, gr.Errors[0].Message, nil))
		}
		result = gr.Data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	boff := backoff.WithMaxRetries(b, 3)
	boff = backoff.WithContext(boff, ctx)

	if err := backoff.Retry(op, boff); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) CreatePod(ctx context.Context, workerID string, spec cloud.Spec) (cloud.CreateResult, error) {
	env := spec.Env
	ports := ""
	for i, p := range spec.Ports {
		if i > 0 {
			ports += ","
		}
		ports += p
	}

	query := `mutation podFindAndDeployOnDemand($input: PodFindAndDeployOnDemandInput!) {
		podFindAndDeployOnDemand(input: $input) { id desiredStatus }
	}`
	input := map[string]any{
		"name":               "worker-" + workerID,
		"imageName":          spec.ContainerImage,
		"gpuTypeId":          spec.GPUTypeDisplayName,
		"cloudType":          "SECURE",
		"containerDiskInGb":  spec.ContainerDiskGB,
		"ports":              ports,
		"env":                envPairs(env),
	}
	if spec.NetworkVolumeName != "" {
		input["networkVolumeId"] = spec.NetworkVolumeName
		input["volumeMountPath"] = spec.VolumeMountPath
	}
	if spec.SSHPublicKey != "" {
		input["env"] = append(envPairs(env), map[string]string{"key": "PUBLIC_KEY", "value": spec.SSHPublicKey})
	}

	data, err := c.do(ctx, graphqlRequest{Query: query, Variables: map[string]any{"input": input}})
	if err != nil {
		return cloud.CreateResult{}, err
	}

	var parsed struct {
		PodFindAndDeployOnDemand struct {
			ID            string `json:"id"`
			DesiredStatus string `json:"desiredStatus"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return cloud.CreateResult{}, cloud.NewError(cloud.ErrFatal, "decode create pod response", err)
	}
	if parsed.PodFindAndDeployOnDemand.ID == "" {
		return cloud.CreateResult{}, cloud.NewError(cloud.ErrFatal, "pod creation returned no id", nil)
	}
	return cloud.CreateResult{
		CloudID:      parsed.PodFindAndDeployOnDemand.ID,
		InitialState: cloud.StatusProvisioning,
	}, nil
}

func (c *Client) TerminatePod(ctx context.Context, cloudID string) error {
	query := `mutation podTerminate($input: PodTerminateInput!) { podTerminate(input: $input) }`
	_, err := c.do(ctx, graphqlRequest{Query: query, Variables: map[string]any{"input": map[string]string{"podId": cloudID}}})
	if err != nil {
		if oerr, ok := err.(*cloud.Error); ok && oerr.Kind == cloud.ErrFatal {
			return nil // best-effort: treat "already gone" as success
		}
		return err
	}
	return nil
}

func (c *Client) GetPodState(ctx context.Context, cloudID string) (cloud.PodState, error) {
	query := `query pod($input: PodFilter!) {
		pod(input: $input) {
			id desiredStatus
			runtime { uptimeInSeconds ports { ip privatePort publicPort } }
			costPerHr
		}
	}`
	data, err := c.do(ctx, graphqlRequest{Query: query, Variables: map[string]any{"input": map[string]string{"podId": cloudID}}})
	if err != nil {
		return cloud.PodState{}, err
	}

	var parsed struct {
		Pod struct {
			ID            string `json:"id"`
			DesiredStatus string `json:"desiredStatus"`
			Runtime       *struct {
				UptimeInSeconds int64 `json:"uptimeInSeconds"`
				Ports           []struct {
					IP         string `json:"ip"`
					PrivatePort int   `json:"privatePort"`
					PublicPort int   `json:"publicPort"`
				} `json:"ports"`
			} `json:"runtime"`
			CostPerHr *float64 `json:"costPerHr"`
		} `json:"pod"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return cloud.PodState{}, cloud.NewError(cloud.ErrFatal, "decode pod state", err)
	}
	if parsed.Pod.ID == "" {
		return cloud.PodState{}, cloud.NewError(cloud.ErrNotFound, cloudID, nil)
	}

	state := cloud.PodState{
		DesiredStatus: cloud.DesiredStatus(parsed.Pod.DesiredStatus),
		ActualStatus:  parsed.Pod.DesiredStatus,
		HourlyCost:    parsed.Pod.CostPerHr,
	}
	if parsed.Pod.Runtime != nil {
		state.UptimeSeconds = parsed.Pod.Runtime.UptimeInSeconds
		for _, p := range parsed.Pod.Runtime.Ports {
			if p.PrivatePort == 22 {
				state.IP = p.IP
				state.SSHPort = p.PublicPort
			}
		}
	}
	return state, nil
}

func (c *Client) ListPods(ctx context.Context) ([]cloud.PodSummary, error) {
	query := `query { myself { pods { id desiredStatus } } }`
	data, err := c.do(ctx, graphqlRequest{Query: query})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Myself struct {
			Pods []struct {
				ID            string `json:"id"`
				DesiredStatus string `json:"desiredStatus"`
			} `json:"pods"`
		} `json:"myself"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, cloud.NewError(cloud.ErrFatal, "decode list pods", err)
	}
	summaries := make([]cloud.PodSummary, 0, len(parsed.Myself.Pods))
	for _, p := range parsed.Myself.Pods {
		summaries = append(summaries, cloud.PodSummary{CloudID: p.ID, Status: cloud.DesiredStatus(p.DesiredStatus)})
	}
	return summaries, nil
}

func envPairs(env map[string]string) []map[string]string {
	pairs := make([]map[string]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, map[string]string{"key": k, "value": v})
	}
	return pairs
}
