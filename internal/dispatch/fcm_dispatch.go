package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/example/ride-escrow/internal/models"
)

// FCMSender posts to the FCM HTTP v1 send endpoint with a bearer key.
type FCMSender struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMSender(endpoint, key string) *FCMSender {
	return &FCMSender{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message fcmBody `json:"message"`
}

type fcmBody struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority     string                 `json:"priority"`
	Notification map[string]interface{} `json:"notification"`
}

func (f *FCMSender) Send(ctx context.Context, d models.Driver, n Notification) error {
	if d.PushToken == "" {
		return fmt.Errorf("fcm: driver %s has no push token", d.ID)
	}
	msg := fcmMessage{Message: fcmBody{
		Token:        d.PushToken,
		Notification: fcmNotification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
	}}
	if n.Channel != "" {
		msg.Message.Android = &fcmAndroid{Priority: "high", Notification: map[string]interface{}{"channel_id": n.Channel}}
	}
	b, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fcm: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
