// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_PerClientBurst(t *testing.T) {
	l := NewLimiter(Config{Rate: 0.001, Burst: 2})
	defer l.Close()

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request beyond burst allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other client rejected")
	}
	if got := l.Stats(); got != 2 {
		t.Errorf("Stats() = %d, want 2", got)
	}
}

func TestLimiter_Global(t *testing.T) {
	l := NewLimiter(Config{GlobalRate: 0.001, GlobalBurst: 1})
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("first request rejected")
	}
	if l.Allow("b") {
		t.Error("global limit not shared across clients")
	}
	if got := l.Stats(); got != 0 {
		t.Errorf("Stats() = %d, per-client limiters created while disabled", got)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{})
	defer l.Close()

	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(Config{Rate: 100, MaxClients: 1})
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("first client rejected")
	}
	if l.Allow("b") {
		t.Error("client beyond MaxClients allowed")
	}
	if n := l.Cleanup(time.Now().Add(DefaultClientTTL + time.Second)); n != 1 {
		t.Fatalf("Cleanup() = %d, want 1", n)
	}
	if !l.Allow("b") {
		t.Error("client rejected after another expired")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	l := NewLimiter(Config{Rate: 100, ClientTTL: time.Minute})
	defer l.Close()

	l.Allow("a")
	if removed := l.Cleanup(time.Now()); removed != 0 {
		t.Errorf("Cleanup() removed %d fresh clients", removed)
	}
	if removed := l.Cleanup(time.Now().Add(2 * time.Minute)); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if got := l.Stats(); got != 0 {
		t.Errorf("Stats() = %d after cleanup", got)
	}
}
