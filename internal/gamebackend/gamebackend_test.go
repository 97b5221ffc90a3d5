package gamebackend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHomeStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/user/home" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("fid"); got != "42" {
			t.Errorf("fid = %q, want 42", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"energy":10,"streak_days":3}`))
	}))
	defer srv.Close()

	stats, err := New(srv.URL).HomeStats(context.Background(), 42)
	if err != nil {
		t.Fatalf("HomeStats: %v", err)
	}
	if stats.Energy != 10 || stats.StreakDays != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProfileForwardsOptionalParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("username") != "alice" || q.Get("wallet") != "0xabc" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"fid":42,"name":"alice","stats":{"total_games":7,"liquidation_times":1},"achivements":{"highest pnl":12.5},"history":[]}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL).Profile(context.Background(), 42, "alice", "0xabc")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Stats.TotalGames != 7 || !p.Achievements.HighestPNL.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("profile = %+v", p)
	}
}

func TestBackendErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).HomeStats(context.Background(), 42)
	var statusErr *ErrBackendStatus
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected ErrBackendStatus, got %v", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", statusErr.Status)
	}
}
