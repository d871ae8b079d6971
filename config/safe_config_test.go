package config

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSafeConfig_ThreadSafety(t *testing.T) {
	safeConfig := NewSafeConfig(Default())

	const numGoroutines = 50
	const numOperations = 200

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				cfg := safeConfig.Get()
				if cfg == nil {
					errs <- fmt.Errorf("got nil config")
					return
				}
				if cfg.Transport.Host != "localhost" && cfg.Transport.Host != "updated" {
					errs <- fmt.Errorf("unexpected host: %s", cfg.Transport.Host)
					return
				}
			}
		}()
	}

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations/10; j++ {
				next := Default()
				next.Transport.Host = "updated"
				if err := safeConfig.Update(next); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errs)
		for err := range errs {
			t.Fatalf("Concurrent access error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Test timed out - possible deadlock")
	}
}

func TestSafeConfig_NilHandling(t *testing.T) {
	safeConfig := NewSafeConfig(nil)

	if cfg := safeConfig.Get(); cfg == nil || cfg.Transport.Port != 1883 {
		t.Error("SafeConfig.Get() should return the defaults for a nil base config")
	}
	if err := safeConfig.Update(nil); err == nil {
		t.Error("SafeConfig.Update(nil) should return an error")
	}
}

func TestSafeConfig_ValidationDuringUpdate(t *testing.T) {
	safeConfig := NewSafeConfig(Default())

	invalidConfig := Default()
	invalidConfig.Transport.Port = -1

	if err := safeConfig.Update(invalidConfig); err == nil {
		t.Error("Update with invalid config should fail validation")
	}
	if cfg := safeConfig.Get(); cfg.Transport.Port != 1883 {
		t.Error("Original config was modified after failed update")
	}
}

func TestSafeConfig_DeepCopy(t *testing.T) {
	base := Default()
	base.Mappings = []MappingConfig{{Topic: "a/b", Event: "e"}}
	safeConfig := NewSafeConfig(base)

	cfg1 := safeConfig.Get()
	cfg2 := safeConfig.Get()

	cfg1.Transport.Host = "modified"
	cfg1.Registry.DiscoveryTopics[0] = "modified/#"
	cfg1.Mappings[0].Event = "modified"
	cfg1.Mappings = append(cfg1.Mappings, MappingConfig{Topic: "c", Event: "f"})

	if cfg2.Transport.Host != "localhost" {
		t.Error("Deep copy failed - cfg2 was affected by cfg1 modification")
	}
	if cfg2.Registry.DiscoveryTopics[0] != "discovery/#" {
		t.Error("Deep copy failed - discovery topics were shared")
	}
	if len(cfg2.Mappings) != 1 || cfg2.Mappings[0].Event != "e" {
		t.Error("Deep copy failed - mappings were shared")
	}
}

func TestConfigClone(t *testing.T) {
	var nilConfig *Config
	if clone := nilConfig.Clone(); clone == nil {
		t.Error("Clone of nil should return defaults, not nil")
	}

	threshold := 0.7
	original := Default()
	original.Mappings = []MappingConfig{{Topic: "m/+", Event: "motion_detected", Threshold: &threshold}}

	clone := original.Clone()
	*original.Mappings[0].Threshold = 0.1
	if clone.Mappings[0].ThresholdOrDefault() != 0.7 {
		t.Error("Clone was affected by original modification")
	}
}
