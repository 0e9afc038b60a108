package sanitize

import (
	"regexp"
	"strings"
)

// Role indicators like "1ere partie", "2ième partie". Two or more of these
// in the Qualité string trigger positional pairing with party names.
var roleIndicatorRe = regexp.MustCompile(`(?i)\d+\s*(?:ere|ère|re|i[eè]me|ieme)\s+partie`)

// An all-uppercase surname token ending in a comma marks the start of one
// party in the Nom des parties string. Accented uppercase is part of the
// token; hyphenated and multi-word surnames count as one token.
var surnameStartRe = regexp.MustCompile(`(?:^|\s)([A-ZÀÂÇÉÈÊËÎÏÔÙÛÜŒ][A-ZÀÂÇÉÈÊËÎÏÔÙÛÜŒ'\-]+(?:[ ][A-ZÀÂÇÉÈÊËÎÏÔÙÛÜŒ'\-]+)*\s*,)`)

// parseParties combines the Qualité and Nom des parties values.
//
// With two or more role indicators in Qualité, the names string is split at
// the boundary preceding each uppercase-surname token and paired by
// position. Anything else — including compound roles like
// "Créancier Débiteur" — stays a single verbatim {name, role} pair; the
// heuristic is locale-specific and degrades conservatively.
func parseParties(qualite, parties *string) []Party {
	if parties == nil && qualite == nil {
		return []Party{}
	}
	if parties == nil {
		return []Party{}
	}

	role := ""
	if qualite != nil {
		role = *qualite
	}

	roles := roleIndicatorRe.FindAllString(role, -1)
	if len(roles) >= 2 {
		if split := splitOnSurnames(*parties, len(roles)); split != nil {
			out := make([]Party, len(roles))
			for i, r := range roles {
				out[i] = Party{Name: split[i], Role: strings.TrimSpace(r)}
			}
			return out
		}
	}

	return []Party{{Name: strings.TrimSpace(*parties), Role: strings.TrimSpace(role)}}
}

// splitOnSurnames cuts names at each uppercase-surname boundary. Returns nil
// when the boundary count does not cover the role count; callers then fall
// back to the single-pair form.
func splitOnSurnames(names string, want int) []string {
	locs := surnameStartRe.FindAllStringSubmatchIndex(names, -1)
	if len(locs) < want {
		return nil
	}

	// Boundaries are the starts of each surname token (group 1).
	var bounds []int
	for _, l := range locs {
		bounds = append(bounds, l[2])
	}

	// Pair the first `want` segments by position; a trailing segment
	// belongs to the last party.
	var parts []string
	for i := 0; i < want; i++ {
		start := bounds[i]
		end := len(names)
		if i+1 < want {
			end = bounds[i+1]
		}
		seg := strings.TrimSpace(strings.Trim(strings.TrimSpace(names[start:end]), ","))
		if seg == "" {
			return nil
		}
		parts = append(parts, seg)
	}
	return parts
}
