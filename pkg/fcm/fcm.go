package fcm

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// maxMulticastTokens is the FCM limit for one multicast request.
const maxMulticastTokens = 500

// Client wraps Firebase Cloud Messaging
type Client struct {
	messagingClient *messaging.Client
}

// NewClient creates a new FCM client using the provided credentials file
func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	log.Println("[FCM] Client initialized")
	return &Client{messagingClient: messagingClient}, nil
}

// Notification is one push message.
type Notification struct {
	Title string
	Body  string
	// Link is opened when the notification is clicked.
	Link string
	Data map[string]string
}

func (n Notification) multicast(tokens []string) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: n.Title,
				Body:  n.Body,
				Icon:  "/icon-192.svg",
			},
		},
	}
	if n.Link != "" {
		msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: n.Link}
	}
	return msg
}

// SendToDevices delivers n to every token and returns the tokens FCM
// rejected so the caller can forget them.
func (c *Client) SendToDevices(ctx context.Context, tokens []string, n Notification) ([]string, error) {
	var failed []string
	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := start + maxMulticastTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]

		resp, err := c.messagingClient.SendEachForMulticast(ctx, n.multicast(batch))
		if err != nil {
			return failed, fmt.Errorf("failed to send FCM multicast message: %w", err)
		}
		log.Printf("[FCM] Multicast sent: %d success, %d failures", resp.SuccessCount, resp.FailureCount)

		for i, r := range resp.Responses {
			if !r.Success {
				failed = append(failed, batch[i])
			}
		}
	}
	return failed, nil
}
