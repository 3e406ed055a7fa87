package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Capacity holds the new per-window capacity of every model whose entry
	// was added or changed. Removed models map to 0.
	Capacity map[string]int

	// Concurrency holds new concurrency ceilings; removed entries map to 0
	// (no ceiling).
	Concurrency map[string]int

	DefaultCapacityChanged bool
	NewDefaultCapacity     int

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DefaultCapacityChanged &&
		len(d.Capacity) == 0 && len(d.Concurrency) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Capacity = diffCounts(old.Dispatch.CapacityByModel, new.Dispatch.CapacityByModel)
	d.Concurrency = diffCounts(old.Dispatch.ConcurrencyByModel, new.Dispatch.ConcurrencyByModel)
	if old.Dispatch.DefaultCapacity != new.Dispatch.DefaultCapacity {
		d.DefaultCapacityChanged = true
		d.NewDefaultCapacity = new.Dispatch.DefaultCapacity
	}

	// Sections that are wired into long-lived components at startup.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldDispatch, newDispatch := old.Dispatch, new.Dispatch
	oldDispatch.CapacityByModel, newDispatch.CapacityByModel = nil, nil
	oldDispatch.ConcurrencyByModel, newDispatch.ConcurrencyByModel = nil, nil
	oldDispatch.DefaultCapacity, newDispatch.DefaultCapacity = 0, 0

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"upstream", old.Upstream, new.Upstream},
		{"dispatch", oldDispatch, newDispatch},
		{"chunking", old.Chunking, new.Chunking},
		{"circuit", old.Circuit, new.Circuit},
		{"dedup", old.Dedup, new.Dedup},
		{"pool", old.Pool, new.Pool},
		{"store", old.Store, new.Store},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

// diffCounts returns the entries of new that differ from old, plus a zero
// entry for every key removed.
func diffCounts(old, new map[string]int) map[string]int {
	out := make(map[string]int)
	for k, v := range new {
		if ov, ok := old[k]; !ok || ov != v {
			out[k] = v
		}
	}
	for _, k := range slices.Sorted(maps.Keys(old)) {
		if _, ok := new[k]; !ok {
			out[k] = 0
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
