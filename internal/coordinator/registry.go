package coordinator

import "sync"

type groupEntry struct {
	mutex  sync.Mutex
	holder *run
	users  int
}

// groupRegistry serializes admission and completion of runs sharing a concurrency-group key.
// The registry mutex is always taken before a group mutex.
type groupRegistry struct {
	mutex  sync.Mutex
	groups map[string]*groupEntry
}

func newGroupRegistry() *groupRegistry {
	return &groupRegistry{groups: make(map[string]*groupEntry)}
}

// withGroup runs the action inside the group's critical section and prunes idle entries afterwards.
func (registry *groupRegistry) withGroup(key string, action func(entry *groupEntry)) {
	registry.mutex.Lock()
	entry, exists := registry.groups[key]
	if !exists {
		entry = &groupEntry{}
		registry.groups[key] = entry
	}
	entry.users++
	registry.mutex.Unlock()

	entry.mutex.Lock()
	action(entry)
	entry.mutex.Unlock()

	registry.mutex.Lock()
	entry.users--
	if entry.users == 0 {
		entry.mutex.Lock()
		idle := entry.holder == nil
		entry.mutex.Unlock()
		if idle {
			delete(registry.groups, key)
		}
	}
	registry.mutex.Unlock()
}

// admit makes the run the group's holder and returns the in-progress run it supersedes, if any.
// The superseded run is cancelled before the new run is admitted.
func (registry *groupRegistry) admit(key string, admitted *run, supersede func(previous *run)) *run {
	var previous *run
	registry.withGroup(key, func(entry *groupEntry) {
		previous = entry.holder
		if previous != nil {
			supersede(previous)
		}
		entry.holder = admitted
	})
	return previous
}

// release finalizes the run inside the group's critical section and frees the group.
func (registry *groupRegistry) release(key string, finished *run, finalize func()) {
	registry.withGroup(key, func(entry *groupEntry) {
		finalize()
		if entry.holder == finished {
			entry.holder = nil
		}
	})
}

// holder reports the in-progress run for the key.
func (registry *groupRegistry) holder(key string) (*run, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	entry, exists := registry.groups[key]
	if !exists {
		return nil, false
	}
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	return entry.holder, entry.holder != nil
}

func (registry *groupRegistry) size() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.groups)
}
