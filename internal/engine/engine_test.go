package engine

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestEngine(t *testing.T, baseRate float64, maxStreak int) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, baseRate, 0.01, maxStreak, 24*time.Hour), mr
}

func setStreak(t *testing.T, mr *miniredis.Miniredis, userID int64, streak int) {
	t.Helper()
	mr.Set("game:loss_streak:"+strconv.FormatInt(userID, 10), strconv.Itoa(streak))
}

func TestAdjustedRateFormula(t *testing.T) {
	cases := []struct {
		base   float64
		bonus  float64
		streak int
		want   float64
	}{
		{0.05, 0.01, 0, 0.05},
		{0.05, 0.01, 10, 0.15},
		{0.05, 0.01, 19, 0.24},
		{0.9, 0.01, 15, 1.0}, // capped
	}
	for _, c := range cases {
		got := AdjustedRate(c.base, c.bonus, c.streak)
		if math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("AdjustedRate(%.2f, %.2f, %d) = %v, want %v", c.base, c.bonus, c.streak, got, c.want)
		}
	}
}

func TestPityGuaranteesWin(t *testing.T) {
	e, mr := newTestEngine(t, 0.05, 19)
	ctx := context.Background()
	setStreak(t, mr, 1, 19)

	for i := 0; i < 5; i++ {
		setStreak(t, mr, 1, 19)
		win, err := e.Decide(ctx, 1, nil)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if !win {
			t.Fatalf("expected forced win at streak >= maxStreak")
		}
	}
}

func TestWinResetsStreak(t *testing.T) {
	e, mr := newTestEngine(t, 0.05, 19)
	ctx := context.Background()
	setStreak(t, mr, 2, 19)

	win, err := e.Decide(ctx, 2, nil)
	if err != nil || !win {
		t.Fatalf("decide: win=%v err=%v", win, err)
	}
	streak, err := e.LossStreak(ctx, 2)
	if err != nil {
		t.Fatalf("loss streak: %v", err)
	}
	if streak != 0 {
		t.Fatalf("expected streak 0 after win, got %d", streak)
	}
}

func TestLossIncrementsStreak(t *testing.T) {
	// A base rate at the validation floor with a huge pity threshold makes
	// losses overwhelmingly likely; run until one lands.
	e, mr := newTestEngine(t, 0.01, 1<<20)
	ctx := context.Background()
	setStreak(t, mr, 3, 4)

	for i := 0; i < 200; i++ {
		win, err := e.Decide(ctx, 3, nil)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if !win {
			streak, err := e.LossStreak(ctx, 3)
			if err != nil {
				t.Fatalf("loss streak: %v", err)
			}
			if streak != 5 {
				t.Fatalf("expected streak 5 after loss at 4, got %d", streak)
			}
			return
		}
		setStreak(t, mr, 3, 4)
	}
	t.Fatalf("no loss observed in 200 draws at 5%% rate")
}

func TestCustomRateOverride(t *testing.T) {
	e, mr := newTestEngine(t, 0.05, 19)
	ctx := context.Background()

	// Rate 1.0 wins regardless of the draw.
	rate := 1.0
	win, err := e.Decide(ctx, 4, &rate)
	if err != nil || !win {
		t.Fatalf("decide with rate 1.0: win=%v err=%v", win, err)
	}

	// The override does not touch the stored streak semantics.
	setStreak(t, mr, 4, 7)
	got, err := e.CurrentAdjustedRate(ctx, 4)
	if err != nil {
		t.Fatalf("adjusted rate: %v", err)
	}
	if math.Abs(got-0.12) > 1e-9 {
		t.Fatalf("expected adjusted rate 0.12 at streak 7, got %v", got)
	}
}

func TestStreakExpiresAfterInactivity(t *testing.T) {
	e, mr := newTestEngine(t, 0.01, 1<<20)
	ctx := context.Background()

	// Force a loss to install a TTL-bearing streak key.
	for i := 0; i < 200; i++ {
		win, err := e.Decide(ctx, 5, nil)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if !win {
			break
		}
	}
	streak, _ := e.LossStreak(ctx, 5)
	if streak == 0 {
		t.Skip("no loss landed; nothing to expire")
	}

	mr.FastForward(25 * time.Hour)
	streak, err := e.LossStreak(ctx, 5)
	if err != nil {
		t.Fatalf("loss streak: %v", err)
	}
	if streak != 0 {
		t.Fatalf("expected streak reset after TTL, got %d", streak)
	}
}
