package partition

import (
	"errors"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse(DailyLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDailyKeysIncludeToday(t *testing.T) {
	d, err := NewDaily("2024-02-27")
	if err != nil {
		t.Fatalf("NewDaily: %v", err)
	}
	now := day("2024-03-01").Add(15 * time.Hour)
	got := d.Keys(now)
	want := []string{"2024-02-27", "2024-02-28", "2024-02-29", "2024-03-01"}
	if len(got) != len(want) {
		t.Fatalf("keys=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys[%d]=%s, want %s", i, got[i], want[i])
		}
	}
}

func TestDailyKeysEmptyBeforeStart(t *testing.T) {
	d, _ := NewDaily("2024-05-01")
	if got := d.Keys(day("2024-04-01")); len(got) != 0 {
		t.Fatalf("keys=%v, want none", got)
	}
}

func TestDailyContains(t *testing.T) {
	d, _ := NewDaily("2024-01-01")
	now := day("2024-06-10").Add(time.Hour)
	cases := map[string]bool{
		"2024-01-01": true,
		"2024-06-10": true,
		"2023-12-31": false,
		"2024-06-11": false,
		"2024-6-1":   false,
		"garbage":    false,
	}
	for key, want := range cases {
		if got := d.Contains(key, now); got != want {
			t.Fatalf("Contains(%q)=%v, want %v", key, got, want)
		}
	}
}

func TestNewDailyRejectsBadDate(t *testing.T) {
	if _, err := NewDaily("01/02/2024"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWindow(t *testing.T) {
	from, to, err := Window("2024-03-10")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if !from.Equal(day("2024-03-10")) || !to.Equal(day("2024-03-11")) {
		t.Fatalf("window=[%s,%s)", from, to)
	}
	if _, _, err := Window("x"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err=%v, want ErrInvalidKey", err)
	}
}

func TestMonthlyKeys(t *testing.T) {
	got := MonthlyKeys(day("2023-11-15"), day("2024-02-03"))
	want := []string{"2023-11-01", "2023-12-01", "2024-01-01", "2024-02-01"}
	if len(got) != len(want) {
		t.Fatalf("keys=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys[%d]=%s, want %s", i, got[i], want[i])
		}
	}
}

func TestPaths(t *testing.T) {
	p, err := DailyPath("wb_tide", "2024-03-10")
	if err != nil || p != "wb_tide/daily/2024/03/2024-03-10.csv" {
		t.Fatalf("DailyPath=%q err=%v", p, err)
	}
	p, err = MonthlyPath("wb_tide", "wb-tide", "2024-03-01")
	if err != nil || p != "wb_tide/wb-tide_2024-03.nc" {
		t.Fatalf("MonthlyPath=%q err=%v", p, err)
	}
	if _, err := MonthlyPath("wb_tide", "wb-tide", "2024-03-02"); err == nil {
		t.Fatalf("expected error for mid-month key")
	}
}
