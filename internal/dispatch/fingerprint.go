package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// DefaultFingerprintLen is the hex length of computed fingerprints.
const DefaultFingerprintLen = 16

// researchParams is the normalised view of research-family parameters
// that feeds the fingerprint.
type researchParams struct {
	Query          string            `json:"query"`
	CostPreference string            `json:"costPreference"`
	AudienceLevel  string            `json:"audienceLevel"`
	OutputFormat   string            `json:"outputFormat"`
	IncludeSources *bool             `json:"includeSources"`
	Images         []json.RawMessage `json:"images"`
	TextDocuments  []json.RawMessage `json:"textDocuments"`
	StructuredData []json.RawMessage `json:"structuredData"`
}

// Fingerprint computes the idempotency/cache fingerprint for a tool
// invocation: the first length hex chars of SHA-256 over a canonical
// JSON encoding of the normalised parameters. Research-family params
// normalise the query (lowercased, trimmed) and reduce each multi-modal
// array to a content prefix hash plus a length count; other kinds hash
// their canonicalised params wholesale. Equal requests always fingerprint
// equal; the map encoding sorts keys.
func Fingerprint(kind string, params json.RawMessage, length int) string {
	if length <= 0 {
		length = DefaultFingerprintLen
	}

	canonical := map[string]any{"kind": kind}
	var rp researchParams
	if err := json.Unmarshal(params, &rp); err == nil && rp.Query != "" {
		canonical["query"] = strings.ToLower(strings.TrimSpace(rp.Query))
		canonical["costPreference"] = defaultStr(rp.CostPreference, "low")
		canonical["audienceLevel"] = defaultStr(rp.AudienceLevel, "intermediate")
		canonical["outputFormat"] = defaultStr(rp.OutputFormat, "report")
		includeSources := true
		if rp.IncludeSources != nil {
			includeSources = *rp.IncludeSources
		}
		canonical["includeSources"] = includeSources
		addArrayDigest(canonical, "images", rp.Images)
		addArrayDigest(canonical, "textDocuments", rp.TextDocuments)
		addArrayDigest(canonical, "structuredData", rp.StructuredData)
	} else {
		// Non-research kinds: canonicalise the whole param object.
		var generic any
		if err := json.Unmarshal(params, &generic); err != nil {
			generic = string(params)
		}
		canonical["params"] = generic
	}

	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:length]
}

// addArrayDigest folds a multi-modal array into a stable small digest:
// the 16-hex prefix of its first element plus the element count.
func addArrayDigest(canonical map[string]any, key string, arr []json.RawMessage) {
	if len(arr) == 0 {
		return
	}
	sum := sha256.Sum256(arr[0])
	canonical[key] = map[string]any{
		"first": hex.EncodeToString(sum[:])[:16],
		"count": len(arr),
	}
}

// SanitizeClientKey normalises a client-supplied idempotency key:
// alphanumerics and dashes only, at most 64 chars. Returns "" when
// nothing survives.
func SanitizeClientKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
		if b.Len() == 64 {
			break
		}
	}
	return b.String()
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
