package document

// BlockRef is a structural slot: a position in the document tree that may be
// filled by successive block revisions. The slot identity is stable across
// refinements; BlockID tracks the current (non-archived) block.
type BlockRef struct {
	// SlotID is the stable slot identity
	SlotID string `json:"slot_id"`

	// BlockID is the current block filling the slot
	BlockID string `json:"block_id"`

	// BlockType classifies the expected content
	BlockType BlockType `json:"block_type"`

	// Title optionally labels the slot (e.g. "Definition 2.1")
	Title string `json:"title,omitempty"`
}

// Section groups ordered block references.
type Section struct {
	// Title is the section heading
	Title string `json:"title"`

	// Blocks are the ordered slots of this section
	Blocks []BlockRef `json:"blocks"`
}

// Chapter groups ordered sections.
type Chapter struct {
	// Title is the chapter heading
	Title string `json:"title"`

	// Sections are the ordered sections of this chapter
	Sections []Section `json:"sections"`
}

// ContentStructure is the ordered document tree of a version. The tree is
// immutable for the life of the version; structural revisions create a new
// version.
type ContentStructure struct {
	// Chapters are the ordered chapters of the document
	Chapters []Chapter `json:"chapters"`
}

// Slots returns all block references in pre-order (document order).
func (s *ContentStructure) Slots() []BlockRef {
	var refs []BlockRef
	for _, ch := range s.Chapters {
		for _, sec := range ch.Sections {
			refs = append(refs, sec.Blocks...)
		}
	}
	return refs
}

// SlotByID returns the reference for a slot, or false if absent.
func (s *ContentStructure) SlotByID(slotID string) (BlockRef, bool) {
	for _, ref := range s.Slots() {
		if ref.SlotID == slotID {
			return ref, true
		}
	}
	return BlockRef{}, false
}

// SlotByBlock returns the slot currently holding the given block.
func (s *ContentStructure) SlotByBlock(blockID string) (BlockRef, bool) {
	for _, ref := range s.Slots() {
		if ref.BlockID == blockID {
			return ref, true
		}
	}
	return BlockRef{}, false
}

// Rebind returns a copy of the structure with the slot pointing at a new
// block. Used when refinement replaces a slot's block.
func (s *ContentStructure) Rebind(slotID, blockID string) ContentStructure {
	out := ContentStructure{Chapters: make([]Chapter, len(s.Chapters))}
	for i, ch := range s.Chapters {
		nch := Chapter{Title: ch.Title, Sections: make([]Section, len(ch.Sections))}
		for j, sec := range ch.Sections {
			nsec := Section{Title: sec.Title, Blocks: make([]BlockRef, len(sec.Blocks))}
			copy(nsec.Blocks, sec.Blocks)
			for k := range nsec.Blocks {
				if nsec.Blocks[k].SlotID == slotID {
					nsec.Blocks[k].BlockID = blockID
				}
			}
			nch.Sections[j] = nsec
		}
		out.Chapters[i] = nch
	}
	return out
}

// Validate checks slot identities are unique and block types recognized.
func (s *ContentStructure) Validate() error {
	seen := make(map[string]bool)
	for _, ref := range s.Slots() {
		if ref.SlotID == "" {
			return &ValidationError{Field: "slot_id", Message: "slot_id is required"}
		}
		if seen[ref.SlotID] {
			return &ValidationError{Field: "slot_id", Message: "duplicate slot " + ref.SlotID}
		}
		seen[ref.SlotID] = true
		if !ref.BlockType.IsValid() {
			return &ValidationError{Field: "block_type", Message: "unknown block type " + ref.BlockType.String()}
		}
	}
	return nil
}
