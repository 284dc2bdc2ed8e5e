package account

import (
	"testing"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/store"
)

func TestFilterRefreshCandidatesWindow(t *testing.T) {
	now := time.Now()
	window := DefaultRefreshWindow
	lowerBound := DefaultRefreshLowerBound

	accounts := []*store.Account{
		{ID: "too-soon", Status: store.StatusActive, ExpiresAt: now.Add(lowerBound + time.Minute).UnixMilli()},
		{ID: "in-window", Status: store.StatusActive, ExpiresAt: now.Add(lowerBound - time.Minute).UnixMilli()},
		{ID: "too-far", Status: store.StatusActive, ExpiresAt: now.Add(window + time.Hour).UnixMilli()},
		{ID: "expired", Status: store.StatusActive, ExpiresAt: now.Add(-time.Minute).UnixMilli()},
		{ID: "banned", Status: store.StatusBanned, ExpiresAt: now.Add(lowerBound - time.Minute).UnixMilli()},
	}

	got := filterRefreshCandidates(accounts, now, window, lowerBound)
	if len(got) != 1 || got[0].ID != "in-window" {
		t.Fatalf("expected only in-window candidate, got %+v", got)
	}
}

func TestFilterRefreshCandidatesEmpty(t *testing.T) {
	got := filterRefreshCandidates(nil, time.Now(), DefaultRefreshWindow, DefaultRefreshLowerBound)
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}
