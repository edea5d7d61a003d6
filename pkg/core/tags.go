package core

// AppendTag returns a new tag slice with tag appended. The input slice is
// never aliased, so sibling branches cannot overwrite each other's suffix.
func AppendTag(tags []string, tag string) []string {
	out := make([]string, len(tags)+1)
	copy(out, tags)
	out[len(tags)] = tag
	return out
}

// CopyTags returns a copy of tags.
func CopyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return append([]string(nil), tags...)
}
