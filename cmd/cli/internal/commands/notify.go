package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NotifyCmd pushes a notification to every connected client.
type NotifyCmd struct {
	API     string        `help:"Hub API base URL" default:"http://localhost:8080" env:"RESTODESK_API"`
	Token   string        `help:"Session token" required:"" env:"RESTODESK_TOKEN"`
	Title   string        `help:"Notification title" required:""`
	Message string        `arg:"" help:"Notification text"`
	Timeout time.Duration `help:"Request timeout" default:"10s"`
}

type notifyResponse struct {
	ID        string `json:"id"`
	Delivered int    `json:"entregados"`
	Reason    string `json:"reason"`
}

func (n *NotifyCmd) Run(ctx context.Context, globals *Globals) error {
	payload, err := json.Marshal(map[string]string{
		"titulo":  n.Title,
		"mensaje": n.Message,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	url := strings.TrimSuffix(n.API, "/") + "/api/notificaciones"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result notifyResponse
	_ = json.Unmarshal(body, &result)

	if resp.StatusCode != http.StatusAccepted {
		if result.Reason != "" {
			return fmt.Errorf("notification rejected (%d): %s", resp.StatusCode, result.Reason)
		}
		return fmt.Errorf("notification rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Printf("Notification %s delivered to %d client(s)\n", result.ID, result.Delivered)
	return nil
}
