package builder

import (
	"encoding/json"
	"path/filepath"

	"github.com/qobs-build/ftbind/internal/bindgen"
)

const LinkRecordFile = "ftbind-link.json"

// Requirement is something the consumer must provide at link or run time
type Requirement struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// allocatorRequirements describe the contract of a build without the bump
// allocator: flanterm_fb_init must get real callbacks
var allocatorRequirements = []Requirement{
	{Symbol: "_malloc", Reason: "flanterm_fb_init callback, FLANTERM_FB_DISABLE_BUMP_ALLOC is set"},
	{Symbol: "_free", Reason: "flanterm_fb_init callback, FLANTERM_FB_DISABLE_BUMP_ALLOC is set"},
}

// LinkRecord tells the consumer's build what to link and against what
type LinkRecord struct {
	Library     string            `json:"library"`
	Archive     string            `json:"archive"`
	Bindings    string            `json:"bindings"`
	Target      string            `json:"target"`
	Profile     string            `json:"profile"`
	Flags       []string          `json:"flags"`
	Fingerprint string            `json:"fingerprint"`
	Sources     map[string]string `json:"sources"` // bundle-relative path to BLAKE3 digest
	Requires    []Requirement     `json:"requires"`
}

func newLinkRecord(u *CompileUnit, profile, outDir, bindingsPath string) (*LinkRecord, error) {
	digests, err := u.Digests()
	if err != nil {
		return nil, err
	}
	return &LinkRecord{
		Library:     u.Name,
		Archive:     filepath.Join(outDir, u.Archive()),
		Bindings:    bindingsPath,
		Target:      u.Target.String(),
		Profile:     profile,
		Flags:       u.Flags,
		Fingerprint: u.Fingerprint(digests).String(),
		Sources:     digests,
		Requires:    allocatorRequirements,
	}, nil
}

// write stores the record in outDir, atomically like the bindings
func (r *LinkRecord) write(outDir string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return bindgen.WriteFile(filepath.Join(outDir, LinkRecordFile), append(data, '\n'))
}
