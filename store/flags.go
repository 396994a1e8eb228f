package store

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Flags for a mail message, the system flags.
type Flags struct {
	Answered bool
	Deleted  bool
	Draft    bool
	Flagged  bool
	Recent   bool
	Seen     bool
}

// FlagsAll is all system flags set, for use as mask.
var FlagsAll = Flags{true, true, true, true, true, true}

// Set returns a copy of f, with each flag that is true in mask set to the
// value from flags.
func (f Flags) Set(mask, flags Flags) Flags {
	set := func(d *bool, m, v bool) {
		if m {
			*d = v
		}
	}
	r := f
	set(&r.Answered, mask.Answered, flags.Answered)
	set(&r.Deleted, mask.Deleted, flags.Deleted)
	set(&r.Draft, mask.Draft, flags.Draft)
	set(&r.Flagged, mask.Flagged, flags.Flagged)
	set(&r.Recent, mask.Recent, flags.Recent)
	set(&r.Seen, mask.Seen, flags.Seen)
	return r
}

// Union returns f with all flags set that are set in o.
func (f Flags) Union(o Flags) Flags {
	return f.Set(o, o)
}

// Except returns f with all flags cleared that are set in o.
func (f Flags) Except(o Flags) Flags {
	return f.Set(o, Flags{})
}

// FlagSet is a full flag state for one message: system flags plus free-form
// keyword flags. Keywords are stored in lower case, "atom" syntax only.
type FlagSet struct {
	Flags
	Keywords []string
}

// Equal returns whether both system flags and keyword sets are equal.
// Keyword order is not significant.
func (fs FlagSet) Equal(o FlagSet) bool {
	if fs.Flags != o.Flags || len(fs.Keywords) != len(o.Keywords) {
		return false
	}
	for _, k := range fs.Keywords {
		if !slices.Contains(o.Keywords, k) {
			return false
		}
	}
	return true
}

// FlagsMode is how a requested flag set is combined with a message's current
// flags.
type FlagsMode uint8

const (
	FlagsSet    FlagsMode = iota // Result is exactly the requested flags.
	FlagsAdd                     // Result is the union of current and requested.
	FlagsRemove                  // Result is current minus requested.
)

// ApplyFlags computes the new flag state from the current state and a
// requested change. Pure function, no side effects: the caller decides, by
// comparing old and new, whether a modseq bump and change notification are
// warranted.
func ApplyFlags(old, req FlagSet, mode FlagsMode) FlagSet {
	switch mode {
	case FlagsAdd:
		kws, _ := MergeKeywords(slices.Clone(old.Keywords), req.Keywords)
		return FlagSet{old.Flags.Union(req.Flags), kws}
	case FlagsRemove:
		return FlagSet{old.Flags.Except(req.Flags), RemoveKeywords(slices.Clone(old.Keywords), req.Keywords)}
	default:
		return FlagSet{req.Flags, slices.Clone(req.Keywords)}
	}
}

// RemoveKeywords removes keywords from l, modifying and returning it. Should
// only be used with lower-case keywords, not with system flags like \Seen.
func RemoveKeywords(l, remove []string) []string {
	for _, k := range remove {
		if i := slices.Index(l, k); i >= 0 {
			copy(l[i:], l[i+1:])
			l = l[:len(l)-1]
		}
	}
	return l
}

// MergeKeywords adds keywords from add into l, updating and returning it
// along with whether it added any keyword. Keywords are only added if they
// aren't already present.
func MergeKeywords(l, add []string) ([]string, bool) {
	var changed bool
	for _, k := range add {
		if !slices.Contains(l, k) {
			l = append(l, k)
			changed = true
		}
	}
	return l, changed
}

// ValidLowercaseKeyword returns whether s is a valid, lower-case, keyword.
func ValidLowercaseKeyword(s string) bool {
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			continue
		}
		const atomspecials = `(){%*"\]`
		if c <= ' ' || c > 0x7e || strings.ContainsRune(atomspecials, c) {
			return false
		}
	}
	return len(s) > 0
}
