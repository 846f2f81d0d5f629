package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/viewora/viewora-go/internal/api"
	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/store"
	"github.com/viewora/viewora-go/internal/util"
)

// login authenticates when credentials are configured. The session cookie
// lands in the client's jar; without credentials the bearer token carries
// auth on its own.
func login(ctx context.Context, client *api.Client, cfg config.API) error {
	if strings.TrimSpace(cfg.Email) == "" {
		return nil
	}
	if err := client.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return fmt.Errorf("login %s: %w", cfg.Email, err)
	}
	log.Printf("APP: logged in as %s", cfg.Email)
	return nil
}

// registerPush announces the configured push token to the backend.
// Best-effort: a failure is logged, not fatal.
func registerPush(ctx context.Context, client *api.Client, cfg config.API) {
	if cfg.PushToken == "" {
		return
	}
	if err := client.RegisterPushToken(ctx, cfg.PushToken); err != nil {
		log.Printf("APP: register push token: %v", err)
		return
	}
	log.Printf("APP: push token registered")
}

// syncInterests refreshes the interests cache from the backend and returns
// the list. When the backend is unreachable it degrades to whatever is
// cached. Available interests belong to no one yet and are listed without
// touching the cache.
func syncInterests(ctx context.Context, client *api.Client, st *store.DB, role string) ([]store.Interest, error) {
	var (
		remote []api.Interest
		err    error
		cache  = true
	)
	switch role {
	case "client":
		remote, err = client.ClientInterests(ctx)
	case "broker":
		remote, err = client.BrokerInterests(ctx)
	case "available":
		remote, err = client.AvailableInterests(ctx)
		cache = false
	default:
		return nil, fmt.Errorf("unknown role %q (want client, broker or available)", role)
	}

	if err != nil {
		if !cache {
			return nil, err
		}
		log.Printf("APP: interest sync failed (%v), using cache", err)
		return st.Interests()
	}

	out := make([]store.Interest, 0, len(remote))
	for _, in := range remote {
		cached := store.Interest{
			ID:         in.ID,
			PropertyID: in.PropertyID,
			Property:   in.Property,
			Status:     in.Status,
			Unread:     in.UnreadCount,
		}
		if cache {
			if err := st.UpsertInterest(cached); err != nil {
				return nil, fmt.Errorf("cache interest %d: %w", in.ID, err)
			}
		}
		out = append(out, cached)
	}
	return out, nil
}

// RunInterests syncs the interests of the given role into the local cache and
// prints them, falling back to the cache when offline.
func RunInterests(ctx context.Context, dir string, cfg config.Config, role string) error {
	cfg.ApplyEnv()

	st, err := store.Open(util.ResolvePath(dir, cfg.Store.DBPath))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer st.Close()

	client := api.NewClient(cfg.API)
	if err := login(ctx, client, cfg.API); err != nil {
		log.Printf("APP: %v", err)
	}

	list, err := syncInterests(ctx, client, st, role)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No interests.")
		return nil
	}
	for _, in := range list {
		unread := in.Unread
		// The local cache can be ahead of the last backend sync.
		if n, err := st.UnreadCount(in.ID); err == nil && n > unread {
			unread = n
		}
		fmt.Printf("#%-5d %-12s unread=%-3d %s\n", in.ID, in.Status, unread, in.Property)
	}
	return nil
}

// interestAction drives the broker lifecycle on one interest and mirrors the
// new status into the cache.
func interestAction(ctx context.Context, client *api.Client, st *store.DB, action string, interestID int64) (string, error) {
	var (
		status string
		err    error
	)
	switch action {
	case "accept":
		status, err = "accepted", client.AcceptInterest(ctx, interestID)
	case "start":
		status, err = "in_progress", client.StartInterest(ctx, interestID)
	case "close":
		status, err = "closed", client.CloseInterest(ctx, interestID)
	default:
		return "", fmt.Errorf("unknown action %q (want accept, start or close)", action)
	}
	if err != nil {
		return "", err
	}

	if err := st.EnsureInterest(interestID); err != nil {
		return status, err
	}
	if err := st.SetInterestStatus(interestID, status); err != nil {
		return status, err
	}
	return status, nil
}

// RunInterestAction moves an interest through the broker lifecycle
// (accept, start, close).
func RunInterestAction(ctx context.Context, dir string, cfg config.Config, action string, interestID int64) error {
	cfg.ApplyEnv()

	st, err := store.Open(util.ResolvePath(dir, cfg.Store.DBPath))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer st.Close()

	client := api.NewClient(cfg.API)
	if err := login(ctx, client, cfg.API); err != nil {
		log.Printf("APP: %v", err)
	}

	status, err := interestAction(ctx, client, st, action, interestID)
	if err != nil {
		return err
	}
	fmt.Printf("Interest %d is now %s.\n", interestID, status)
	return nil
}

// RunCreateInterest registers interest in a property, opening a conversation,
// then refreshes the client-side cache so the new thread shows up.
func RunCreateInterest(ctx context.Context, dir string, cfg config.Config, propertyID int64) error {
	cfg.ApplyEnv()

	st, err := store.Open(util.ResolvePath(dir, cfg.Store.DBPath))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer st.Close()

	client := api.NewClient(cfg.API)
	if err := login(ctx, client, cfg.API); err != nil {
		log.Printf("APP: %v", err)
	}

	if err := client.CreateInterest(ctx, propertyID); err != nil {
		return fmt.Errorf("create interest: %w", err)
	}
	fmt.Printf("Interest registered for property %d.\n", propertyID)

	if _, err := syncInterests(ctx, client, st, "client"); err != nil {
		log.Printf("APP: refresh after create failed: %v", err)
	}
	return nil
}

// RunNotifications prints the account's notifications and marks them read.
func RunNotifications(ctx context.Context, cfg config.Config) error {
	cfg.ApplyEnv()

	client := api.NewClient(cfg.API)
	if err := login(ctx, client, cfg.API); err != nil {
		log.Printf("APP: %v", err)
	}

	unread, err := client.UnreadNotificationCount(ctx)
	if err != nil {
		return err
	}
	list, err := client.Notifications(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No notifications.")
		return nil
	}

	fmt.Printf("%d notifications, %d unread\n", len(list), unread)
	for _, n := range list {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		fmt.Printf("%s [%s] %s\n", mark, n.Created, n.Message)
	}

	if unread == 0 {
		return nil
	}
	if err := client.MarkNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}
