package config_test

import (
	"strings"
	"testing"

	"telegram-notifications/internal/infra/config"
)

func TestNotificationOptionsClamped(t *testing.T) {
	t.Setenv("NOTIFICATION_GROUP_COUNT_MAX", "99")
	t.Setenv("NOTIFICATION_GROUP_SIZE_MAX", "0")
	t.Setenv("ONLINE_CLOUD_TIMEOUT_MS", "-5")
	t.Setenv("NOTIFICATION_CLOUD_DELAY_MS", "0")
	t.Setenv("NOTIFICATION_DEFAULT_DELAY_MS", "2000")

	if err := config.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := config.Env().Notifications

	if opts.GroupCountMax != config.MaxGroupCountMax {
		t.Fatalf("GroupCountMax = %d, want clamp to %d", opts.GroupCountMax, config.MaxGroupCountMax)
	}
	if opts.GroupSizeMax != config.MinGroupSizeMax {
		t.Fatalf("GroupSizeMax = %d, want clamp to %d", opts.GroupSizeMax, config.MinGroupSizeMax)
	}
	if opts.OnlineCloudTimeoutMS != 0 {
		t.Fatalf("OnlineCloudTimeoutMS = %d, want clamp to 0", opts.OnlineCloudTimeoutMS)
	}
	if opts.NotificationCloudDelayMS != 1 {
		t.Fatalf("NotificationCloudDelayMS = %d, want clamp to 1", opts.NotificationCloudDelayMS)
	}
	if opts.NotificationDefaultDelayMS != 2000 {
		t.Fatalf("NotificationDefaultDelayMS = %d, want 2000 untouched", opts.NotificationDefaultDelayMS)
	}

	warnings := config.Warnings()
	if len(warnings) < 4 {
		t.Fatalf("warnings = %v, want clamp warnings for four options", warnings)
	}
}

func TestBadIntegerFallsBackToDefault(t *testing.T) {
	t.Setenv("NOTIFICATION_GROUP_SIZE_MAX", "ten")

	if err := config.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := config.Env().Notifications.GroupSizeMax; got != 10 {
		t.Fatalf("GroupSizeMax = %d, want default 10", got)
	}

	found := false
	for _, w := range config.Warnings() {
		if strings.Contains(w, "NOTIFICATION_GROUP_SIZE_MAX") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no warning about bad integer: %v", config.Warnings())
	}
}
