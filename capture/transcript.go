package capture

import "strings"

// Transcript holds finalized text and the current interim hypothesis.
// Interim text never becomes part of Committed; only finals do.
type Transcript struct {
	Committed string
	Interim   string
}

// AppendFinal commits a finalized fragment, separated from earlier ones
// by a single space. Blank fragments are ignored.
func (t *Transcript) AppendFinal(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}
	if t.Committed == "" {
		t.Committed = fragment
		return
	}
	t.Committed += " " + fragment
}

func (t *Transcript) SetInterim(fragment string) { t.Interim = fragment }

func (t *Transcript) ClearInterim() { t.Interim = "" }

func (t *Transcript) Reset() { *t = Transcript{} }

func (t *Transcript) Snapshot() Transcript { return *t }

// Empty reports whether there is neither committed nor interim text.
func (t Transcript) Empty() bool {
	return t.Committed == "" && strings.TrimSpace(t.Interim) == ""
}

// Display is the committed text followed by the interim hypothesis.
func (t Transcript) Display() string {
	interim := strings.TrimSpace(t.Interim)
	switch {
	case t.Committed == "":
		return interim
	case interim == "":
		return t.Committed
	default:
		return t.Committed + " " + interim
	}
}
