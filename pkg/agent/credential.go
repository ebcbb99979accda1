package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Credential is the durable, restricted-permission record an agent
// persists after registration, per §4.D step 4.
type Credential struct {
	DeviceID   uuid.UUID `json:"device_id"`
	AgentToken string    `json:"agent_token"`
}

// LoadCredential reads a previously persisted credential, if any.
func LoadCredential(path string) (*Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("parsing credential file: %w", err)
	}
	return &cred, nil
}

// SaveCredential persists cred to path with chmod 600 semantics, per
// §4.D step 4.
func SaveCredential(path string, cred Credential) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating credential dir: %w", err)
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return os.Chmod(path, 0o600)
}

type registerRequest struct {
	Invitation string `json:"invitation"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
}

type registerResponse struct {
	DeviceID   uuid.UUID `json:"device_id"`
	AgentToken string    `json:"agent_token"`
}

// Register reads a one-shot invitation token and exchanges it with the
// server for a durable credential, per §4.D step 4.
func Register(ctx context.Context, client *http.Client, serverURL, invitationFile, hostname, osName string) (*Credential, error) {
	raw, err := os.ReadFile(invitationFile)
	if err != nil {
		return nil, fmt.Errorf("reading invitation token: %w", err)
	}
	invitation := strings.TrimSpace(string(raw))

	body, err := json.Marshal(registerRequest{Invitation: invitation, Hostname: hostname, OS: osName})
	if err != nil {
		return nil, fmt.Errorf("marshaling register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/agent/register", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registration rejected: status %d", resp.StatusCode)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing register response: %w", err)
	}
	return &Credential{DeviceID: out.DeviceID, AgentToken: out.AgentToken}, nil
}

// Heartbeat fires a liveness signal to the server, per §4.D step 5.
func Heartbeat(ctx context.Context, client *http.Client, serverURL string, cred Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/agent/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AgentToken)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat rejected: status %d", resp.StatusCode)
	}
	return nil
}
