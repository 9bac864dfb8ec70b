// Package dispatch turns a player's slot request into a backend assignment:
// the family cache tracks which backends host which slot families, and the
// dispatcher picks a target deterministically.
package dispatch

import (
	"sync"

	"github.com/fulcrum-net/fulcrum/internal/core"
)

// FamilyCache maps familyId → variantId → set of serverIds, alongside the
// advertised descriptors. It is read-mostly: lookups copy nothing, updates
// rebuild the touched variant sets (copy-on-write).
type FamilyCache struct {
	mu sync.RWMutex

	// families[family][variant] → server set. Variant "" means the backend
	// advertised the family without an explicit variant.
	families map[string]map[string]map[string]struct{}

	// descriptors by family/variant, for load factors and player bounds.
	descriptors map[descKey]core.SlotFamilyDescriptor

	// byServer remembers each server's advertisement for clean removal.
	byServer map[string][]core.SlotFamilyDescriptor
}

type descKey struct {
	family  string
	variant string
}

// NewFamilyCache returns an empty cache.
func NewFamilyCache() *FamilyCache {
	return &FamilyCache{
		families:    make(map[string]map[string]map[string]struct{}),
		descriptors: make(map[descKey]core.SlotFamilyDescriptor),
		byServer:    make(map[string][]core.SlotFamilyDescriptor),
	}
}

// Advertise replaces a server's family advertisement. Safe to call in any
// order relative to the server's first heartbeat.
func (c *FamilyCache) Advertise(serverID string, descriptors []core.SlotFamilyDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(serverID)
	c.byServer[serverID] = descriptors
	for _, d := range descriptors {
		fam, ok := c.families[d.FamilyID]
		if !ok {
			fam = make(map[string]map[string]struct{})
			c.families[d.FamilyID] = fam
		}
		set := make(map[string]struct{}, len(fam[d.VariantID])+1)
		for id := range fam[d.VariantID] {
			set[id] = struct{}{}
		}
		set[serverID] = struct{}{}
		fam[d.VariantID] = set

		c.descriptors[descKey{d.FamilyID, d.VariantID}] = d
	}
}

// RemoveServer drops a server from every family it advertised.
func (c *FamilyCache) RemoveServer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(serverID)
}

func (c *FamilyCache) removeLocked(serverID string) {
	for _, d := range c.byServer[serverID] {
		fam := c.families[d.FamilyID]
		if fam == nil {
			continue
		}
		old := fam[d.VariantID]
		set := make(map[string]struct{}, len(old))
		for id := range old {
			if id != serverID {
				set[id] = struct{}{}
			}
		}
		if len(set) == 0 {
			delete(fam, d.VariantID)
		} else {
			fam[d.VariantID] = set
		}
		if len(fam) == 0 {
			delete(c.families, d.FamilyID)
		}
	}
	delete(c.byServer, serverID)
}

// SyncFromRegistry rebuilds the cache from registry records, used at boot
// and during reconciliation.
func (c *FamilyCache) SyncFromRegistry(records []*core.ServerRecord) {
	for _, rec := range records {
		if len(rec.Families) > 0 {
			c.Advertise(rec.ID, rec.Families)
		}
	}
}

// Lookup resolves the candidate servers for a family and optional variant.
// familyKnown is false when nothing advertises the family at all. When the
// family carries explicit variants and a variant is requested, candidates
// are restricted to backends advertising exactly that variant.
func (c *FamilyCache) Lookup(familyID, variantID string) (candidates []string, familyKnown bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fam, ok := c.families[familyID]
	if !ok || len(fam) == 0 {
		return nil, false
	}

	hasExplicitVariants := false
	for v := range fam {
		if v != "" {
			hasExplicitVariants = true
			break
		}
	}

	var sets []map[string]struct{}
	if variantID != "" && hasExplicitVariants {
		sets = append(sets, fam[variantID])
	} else {
		for _, set := range fam {
			sets = append(sets, set)
		}
	}

	seen := make(map[string]struct{})
	for _, set := range sets {
		for id := range set {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				candidates = append(candidates, id)
			}
		}
	}
	return candidates, true
}

// Descriptor returns the advertised descriptor for a family/variant pair,
// falling back to the variant-less descriptor.
func (c *FamilyCache) Descriptor(familyID, variantID string) (core.SlotFamilyDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.descriptors[descKey{familyID, variantID}]; ok {
		return d, true
	}
	d, ok := c.descriptors[descKey{familyID, ""}]
	return d, ok
}

// Families lists every known family id.
func (c *FamilyCache) Families() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.families))
	for f := range c.families {
		out = append(out, f)
	}
	return out
}
