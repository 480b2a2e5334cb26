package dispatcher

import (
	"testing"
	"time"
)

func TestThrottleAllowsUntilLimit(t *testing.T) {
	orig := timeNow
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = orig }()

	tr := &throttle{}
	for i := 0; i < throttleLimit; i++ {
		if !tr.Allowed("1.2.3.4") {
			t.Fatalf("attempt %d: expected allowed", i)
		}
		tr.Fail("1.2.3.4")
	}
	if tr.Allowed("1.2.3.4") {
		t.Fatal("expected throttled after limit reached")
	}

	// A different source is unaffected.
	if !tr.Allowed("5.6.7.8") {
		t.Fatal("expected a different source to be unaffected")
	}
}

func TestThrottleResetClearsFailures(t *testing.T) {
	orig := timeNow
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = orig }()

	tr := &throttle{}
	for i := 0; i < throttleLimit; i++ {
		tr.Fail("1.2.3.4")
	}
	if tr.Allowed("1.2.3.4") {
		t.Fatal("expected throttled before reset")
	}
	tr.Reset("1.2.3.4")
	if !tr.Allowed("1.2.3.4") {
		t.Fatal("expected allowed after reset")
	}
}

func TestThrottleWindowExpires(t *testing.T) {
	orig := timeNow
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = orig }()

	tr := &throttle{}
	for i := 0; i < throttleLimit; i++ {
		tr.Fail("1.2.3.4")
	}
	if tr.Allowed("1.2.3.4") {
		t.Fatal("expected throttled immediately after limit")
	}

	now = now.Add(throttleWindow + time.Second)
	if !tr.Allowed("1.2.3.4") {
		t.Fatal("expected allowed once the window has passed")
	}
}
