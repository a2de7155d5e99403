package domain

// Verdict is the three-valued outcome of an antivirus scan.
type Verdict int

const (
	// VerdictUnknown means the content could not be scanned: no scanner
	// configured, daemon unreachable, or stream too large.
	VerdictUnknown Verdict = iota
	VerdictClean
	VerdictInfected
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictInfected:
		return "infected"
	default:
		return "unknown"
	}
}

// MetaValue is the representation stored in blob metadata: true, false or
// nil, matching the historical on-disk convention.
func (v Verdict) MetaValue() any {
	switch v {
	case VerdictClean:
		return true
	case VerdictInfected:
		return false
	default:
		return nil
	}
}

// VerdictFromMeta reads a verdict back from a blob metadata value.
func VerdictFromMeta(value any, present bool) Verdict {
	if !present || value == nil {
		return VerdictUnknown
	}
	if b, ok := value.(bool); ok {
		if b {
			return VerdictClean
		}
		return VerdictInfected
	}
	return VerdictUnknown
}

// Conventional blob metadata keys.
const (
	MetaFilename  = "filename"
	MetaMimeType  = "mimetype"
	MetaMD5       = "md5"
	MetaAntivirus = "antivirus"
)
