package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/models"
)

var ErrNoDeviceToken = errors.New("no fcm token for user")

// MessagingClient is the subset of *messaging.Client used here.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMDispatcher pushes events through Firebase Cloud Messaging to the
// device token stored on users/{uid}.
type FCMDispatcher struct {
	Client MessagingClient
	Store  docstore.Store
}

func (f *FCMDispatcher) token(ctx context.Context, userID string) (string, error) {
	snap, err := f.Store.Get(ctx, models.CollectionUsers, userID)
	if err != nil {
		return "", fmt.Errorf("load user %s: %w", userID, err)
	}
	var u models.UserProfile
	if err := snap.DataTo(&u); err != nil {
		return "", err
	}
	if u.FCMToken == "" {
		return "", ErrNoDeviceToken
	}
	return u.FCMToken, nil
}

func (f *FCMDispatcher) Send(ctx context.Context, userID string, ev Event) error {
	token, err := f.token(ctx, userID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	title, body := notificationText(ev)
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":    ev.Type,
			"payload": string(payload),
		},
		Notification: &messaging.Notification{Title: title, Body: body},
		Android:      &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := f.Client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to %s: %w", userID, err)
	}
	return nil
}

func notificationText(ev Event) (string, string) {
	switch ev.Type {
	case EventOffer:
		return "New ride request", "A rider near you needs a ride"
	case EventTransition:
		return "Ride update", "Your ride status changed"
	}
	return "Ride update", ev.Type
}
