package modelnorm

// AliasMaps resolves any spelling of a model to its preferred canonical form
// and back out to the raw variants providers actually serve.
type AliasMaps struct {
	// CanonicalToVariants maps a preferred canonical name to every raw
	// variant observed across providers, in first-seen order.
	CanonicalToVariants map[string][]string
	// VariantToCanonical maps raw variants and their canonical forms to the
	// preferred canonical name of the family.
	VariantToCanonical map[string]string
}

type familyEntry struct {
	variants   []string
	seen       map[string]struct{}
	candidates []candidate
}

type candidate struct {
	canonical string
	version   []int
}

// BuildAliasMaps groups every raw model name from the given per-provider
// lists into families and elects a preferred canonical per family: the
// highest-versioned candidate when any carry a version, otherwise the first
// candidate observed.
func BuildAliasMaps(modelLists [][]string) AliasMaps {
	families := make(map[string]*familyEntry)
	var order []string

	for _, models := range modelLists {
		for _, raw := range models {
			info := Normalize(raw)
			familyKey := info.FamilyKey
			if familyKey == "" {
				familyKey = info.Canonical
			}
			if familyKey == "" {
				familyKey = info.Cleaned
			}

			entry := families[familyKey]
			if entry == nil {
				entry = &familyEntry{seen: make(map[string]struct{})}
				families[familyKey] = entry
				order = append(order, familyKey)
			}
			if _, dup := entry.seen[raw]; !dup {
				entry.seen[raw] = struct{}{}
				entry.variants = append(entry.variants, raw)
			}
			canonical := info.Canonical
			if canonical == "" {
				canonical = info.Cleaned
			}
			entry.candidates = append(entry.candidates, candidate{canonical: canonical, version: info.VersionParts})
		}
	}

	maps := AliasMaps{
		CanonicalToVariants: make(map[string][]string, len(families)),
		VariantToCanonical:  make(map[string]string),
	}

	for _, key := range order {
		entry := families[key]
		preferred := entry.candidates[0]
		for _, c := range entry.candidates {
			if len(c.version) == 0 {
				continue
			}
			if len(preferred.version) == 0 || CompareVersions(c.version, preferred.version) > 0 {
				preferred = c
			}
		}

		maps.CanonicalToVariants[preferred.canonical] = entry.variants
		for _, variant := range entry.variants {
			maps.VariantToCanonical[Normalize(variant).Canonical] = preferred.canonical
			maps.VariantToCanonical[variant] = preferred.canonical
		}
		maps.VariantToCanonical[preferred.canonical] = preferred.canonical
		maps.VariantToCanonical[Normalize(preferred.canonical).Canonical] = preferred.canonical
	}

	return maps
}

// Resolve maps a requested model name to its family's preferred canonical
// name and the raw variants that serve it. Unknown models resolve to
// themselves with a single-variant list.
func (m AliasMaps) Resolve(requested string) (canonical string, variants []string) {
	normalized := Normalize(requested).Canonical
	if normalized == "" {
		normalized = requested
	}
	canonical, ok := m.VariantToCanonical[normalized]
	if !ok {
		canonical = normalized
	}
	variants = m.CanonicalToVariants[canonical]
	if len(variants) == 0 {
		variants = []string{requested}
	}
	return canonical, variants
}
