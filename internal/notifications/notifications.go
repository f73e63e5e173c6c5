package notifications

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultServer = "https://ntfy.sh"

// Client posts notifications to an ntfy topic.
type Client struct {
	http   *http.Client
	server string
	topic  string
}

func New(server, topic string) (*Client, error) {
	if topic == "" {
		return nil, errors.New("ntfy topic not configured")
	}
	if server == "" {
		server = DefaultServer
	}

	log.Info().
		Str("server", server).
		Str("topic", topic).
		Msg("Ntfy notifications initialized")

	return &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		server: strings.TrimRight(server, "/"),
		topic:  topic,
	}, nil
}

// Send publishes one notification. ntfy's JSON API is posted to the server
// root with the topic in the body.
func (c *Client) Send(title, message string) error {
	payload := map[string]interface{}{
		"topic":    c.topic,
		"title":    title,
		"message":  message,
		"priority": 4,
		"tags":     []string{"warning"},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", c.server, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}
