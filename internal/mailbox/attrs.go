package mailbox

import "sort"

// ListAttrFlag is the set of mailbox attributes reported in LIST/LSUB
// responses (RFC 3501 §7.2.2, RFC 6154 SPECIAL-USE). Grounded on the
// teacher's imap.ListAttrFlag.
type ListAttrFlag int

const (
	AttrNone ListAttrFlag = 0
	AttrNoinferiors ListAttrFlag = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked
	AttrHasChildren
	AttrHasNoChildren

	AttrAll
	AttrArchive
	AttrDrafts
	AttrFlagged
	AttrJunk
	AttrSent
	AttrTrash
)

var attrStrings = map[ListAttrFlag]string{
	AttrNoinferiors:   `\Noinferiors`,
	AttrNoselect:      `\Noselect`,
	AttrMarked:        `\Marked`,
	AttrUnmarked:      `\Unmarked`,
	AttrHasChildren:   `\HasChildren`,
	AttrHasNoChildren: `\HasNoChildren`,
	AttrAll:           `\All`,
	AttrArchive:       `\Archive`,
	AttrDrafts:        `\Drafts`,
	AttrFlagged:       `\Flagged`,
	AttrJunk:          `\Junk`,
	AttrSent:          `\Sent`,
	AttrTrash:         `\Trash`,
}

var attrList = func() (out []ListAttrFlag) {
	for a := range attrStrings {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}()

func (attrs ListAttrFlag) String() string {
	var res string
	for _, a := range attrList {
		if attrs&a != 0 {
			if res == "" {
				res = attrStrings[a]
			} else {
				res = res + " " + attrStrings[a]
			}
		}
	}
	return res
}
